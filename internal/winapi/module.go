package winapi

// ModuleName enumerates the system modules spec.md §4.A restricts
// gadget discovery to.
type ModuleName string

const (
	ModuleNtdll       ModuleName = "ntdll.dll"
	ModuleKernel32    ModuleName = "kernel32.dll"
	ModuleKernelBase  ModuleName = "kernelbase.dll"
	ModuleMsvcrt      ModuleName = "msvcrt.dll"
)

// DefaultScanModules is the fixed module set spec.md §4.A names for
// gadget discovery.
var DefaultScanModules = []ModuleName{ModuleNtdll, ModuleKernel32, ModuleKernelBase, ModuleMsvcrt}

// ModuleScanner discovers byte patterns in loaded modules, restricted
// to executable pages, and resolves exported symbols by name.
type ModuleScanner interface {
	// Scan returns every address across modules whose memory matches
	// pattern exactly, restricted to pages with execute protection.
	Scan(modules []ModuleName, pattern []byte) ([]uintptr, error)

	// GetProcAddress resolves an export by name in the named module.
	GetProcAddress(module ModuleName, name string) (uintptr, error)
}
