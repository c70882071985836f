package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cheatron/nthread/proxy"
)

func newInjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inject <pid> <tid>",
		Short: "Hijack a thread and drop into an interactive call/read/write/alloc/free loop",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.ParseUint(args[0], 0, 32)
			if err != nil {
				return errors.Wrap(err, "parsing pid")
			}
			tid, err := strconv.ParseUint(args[1], 0, 32)
			if err != nil {
				return errors.Wrap(err, "parsing tid")
			}

			orch := newOrchestrator(uint32(pid))
			log := logrus.WithFields(logrus.Fields{"pid": pid, "tid": tid})

			p, captured, err := orch.Inject(uint32(tid))
			if err != nil {
				return errors.Wrap(err, "inject")
			}
			log.Info("thread parked; entering interactive loop (type 'help')")
			defer func() {
				if err := p.Close(nil); err != nil {
					log.WithError(err).Warn("close")
				}
			}()
			_ = captured // kept alive only through p's bound hooks

			return runREPL(cmd.OutOrStdout(), p)
		},
	}
	return cmd
}

// runREPL drives a tiny verb loop over stdin: call, write, read, alloc,
// free, help, quit. Not a general-purpose shell — just enough to poke
// at a hijacked thread from a terminal, matching spec.md §4's
// "supplemented features" CLI description.
func runREPL(out io.Writer, p *proxy.Proxy) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprintln(out, "nthreadctl> ready")
	for {
		fmt.Fprint(out, "nthreadctl> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		verb, rest := fields[0], fields[1:]

		switch verb {
		case "help":
			fmt.Fprintln(out, "call <addr> [arg...] | write <addr> <hexbytes> | read <addr> <size> | alloc <size> | free <addr> | quit")
		case "quit", "exit":
			return nil
		case "call":
			if err := replCall(out, p, rest); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		case "write":
			if err := replWrite(out, p, rest); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		case "read":
			if err := replRead(out, p, rest); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		case "alloc":
			if err := replAlloc(out, p, rest); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		case "free":
			if err := replFree(out, p, rest); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		default:
			fmt.Fprintf(out, "unknown verb %q (try 'help')\n", verb)
		}
	}
}

func parseAddr(s string) (uintptr, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	return uintptr(n), err
}

func replCall(out io.Writer, p *proxy.Proxy, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: call <addr> [arg...]")
	}
	target, err := parseAddr(args[0])
	if err != nil {
		return errors.Wrap(err, "parsing target address")
	}
	callArgs := make([]uint64, 0, len(args)-1)
	for _, a := range args[1:] {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			return errors.Wrapf(err, "parsing argument %q", a)
		}
		callArgs = append(callArgs, v)
	}
	rax, err := p.Call(target, callArgs...)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "rax = 0x%x\n", rax)
	return nil
}

func replWrite(out io.Writer, p *proxy.Proxy, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: write <addr> <hexbytes>")
	}
	dest, err := parseAddr(args[0])
	if err != nil {
		return errors.Wrap(err, "parsing dest address")
	}
	data, err := decodeHex(args[1])
	if err != nil {
		return errors.Wrap(err, "parsing hexbytes")
	}
	n, err := p.Write(dest, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d bytes\n", n)
	return nil
}

func replRead(out io.Writer, p *proxy.Proxy, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: read <addr> <size>")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return errors.Wrap(err, "parsing address")
	}
	size, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Wrap(err, "parsing size")
	}
	data, err := p.Read(addr, size)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%x\n", data)
	return nil
}

func replAlloc(out io.Writer, p *proxy.Proxy, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: alloc <size>")
	}
	size, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.Wrap(err, "parsing size")
	}
	addr, err := p.Alloc(size, proxy.AllocOpts{})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "0x%x\n", addr)
	return nil
}

func replFree(out io.Writer, p *proxy.Proxy, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: free <addr>")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return errors.Wrap(err, "parsing address")
	}
	if err := p.Free(addr); err != nil {
		return err
	}
	fmt.Fprintln(out, "freed")
	return nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		return nil, errors.New("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}
