package winapi

// CRTExports lists every msvcrt export spec.md §6 requires resolved at
// startup: `fopen, memset, malloc, calloc, realloc, fwrite, fflush,
// fclose, fread, free`.
var CRTExports = []string{
	"fopen", "memset", "malloc", "calloc", "realloc",
	"fwrite", "fflush", "fclose", "fread", "free",
}
