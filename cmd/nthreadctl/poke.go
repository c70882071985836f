package main

import (
	"fmt"
	"strconv"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/cheatron/nthread/gadget"
	"github.com/cheatron/nthread/heap"
	"github.com/cheatron/nthread/internal/config"
	"github.com/cheatron/nthread/proxy"
)

func newGadgetsCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gadgets",
		Short: "Inspect the gadget registry",
	}

	var pid uint64
	list := &cobra.Command{
		Use:   "list",
		Short: "Trigger discovery (if needed) and dump every known sleep/pivot gadget",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch := newOrchestrator(uint32(pid))
			addrs, err := orch.Gadgets().Discovered()
			if err != nil {
				return errors.Wrap(err, "gadget discovery")
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"kind", "register", "address"})
			for _, a := range addrs {
				kind := "sleep"
				reg := "-"
				if a.Kind == gadget.KindPivot {
					kind = "pivot"
					reg = a.Reg.String()
				}
				table.Append([]string{kind, reg, fmt.Sprintf("0x%x", a.Addr)})
			}
			table.Render()
			return nil
		},
	}
	list.Flags().Uint64Var(&pid, "pid", 0, "process ID to scan (0 = current process)")
	root.AddCommand(list)
	return root
}

func newHeapCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "heap",
		Short: "Inspect an NThreadHeap-backed allocator",
	}

	var (
		heapSize   int
		maxSize    int
		primeAlloc int
	)
	inspect := &cobra.Command{
		Use:   "inspect <pid> <tid>",
		Short: "Hijack a thread, prime an allocation, and print zone occupancy",
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
			nth := heap.New(orch, heapSize, maxSize, heap.WithConfig(config.FromEnvironment()))

			p, captured, err := nth.Inject(uint32(tid))
			if err != nil {
				return errors.Wrap(err, "inject")
			}
			_ = captured
			defer func() { _ = p.Close(nil) }()

			if primeAlloc > 0 {
				if _, err := p.Alloc(primeAlloc, proxy.AllocOpts{}); err != nil {
					return errors.Wrap(err, "priming allocation")
				}
			}

			active, previous, ok := nth.Inspect(p)
			if !ok || active == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no heap has been created yet (nothing allocated)")
				return nil
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"heap", "zone", "size", "bump offset", "free bytes", "free entries"})
			appendHeapRows(table, "active", active)
			for i, h := range previous {
				appendHeapRows(table, fmt.Sprintf("previous[%d]", i), h)
			}
			table.Render()
			return nil
		},
	}
	inspect.Flags().IntVar(&heapSize, "heap-size", 0, "initial heap block size (0 = default 64KiB)")
	inspect.Flags().IntVar(&maxSize, "max-size", 0, "heap growth ceiling (0 = default 512KiB)")
	inspect.Flags().IntVar(&primeAlloc, "alloc", 64, "bytes to allocate first, to materialize a heap block")
	root.AddCommand(inspect)
	return root
}

func appendHeapRows(table *tablewriter.Table, label string, h *heap.Heap) {
	ro := h.ROStats()
	rw := h.RWStats()
	table.Append([]string{label, "ro", units.BytesSize(float64(ro.Size)), fmt.Sprint(ro.BumpOffset), fmt.Sprint(ro.FreeBytes), fmt.Sprint(ro.FreeEntries)})
	table.Append([]string{label, "rw", units.BytesSize(float64(rw.Size)), fmt.Sprint(rw.BumpOffset), fmt.Sprint(rw.FreeBytes), fmt.Sprint(rw.FreeEntries)})
}
