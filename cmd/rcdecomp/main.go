package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/seclususs/rcdecomp/pkg/decomp"
	"github.com/seclususs/rcdecomp/pkg/loader"
	"github.com/seclususs/rcdecomp/pkg/typing"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})

	rootCmd := &cobra.Command{
		Use:   "rcdecomp",
		Short: "rcdecomp — native-binary decompiler (ELF, PE, Mach-O, DEX)",
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.WarnLevel)
		}
	}

	// decompile command
	var output string
	var workers int
	var sigDBs []string

	decompileCmd := &cobra.Command{
		Use:   "decompile [binary]",
		Short: "Run the full pipeline and emit C pseudocode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := decomp.Run(args[0], decomp.Options{
				Workers:      workers,
				SignatureDBs: sigDBs,
			})
			if err != nil {
				return fmt.Errorf("decompilation failed (status %d): %w", loader.StatusCode(err), err)
			}
			fmt.Printf("Decompiled %d functions (%s, %s)\n",
				len(res.Functions), res.Arch.Name(), res.VM.Format)

			if output != "" {
				if err := os.WriteFile(output, []byte(res.Source), 0o644); err != nil {
					return err
				}
				fmt.Printf("Written to %s\n", output)
				return nil
			}
			fmt.Println(res.Source)
			return nil
		},
	}
	decompileCmd.Flags().StringVarP(&output, "output", "o", "", "Output file path (default stdout)")
	decompileCmd.Flags().IntVar(&workers, "workers", 0, "Number of workers (0 = NumCPU)")
	decompileCmd.Flags().StringArrayVar(&sigDBs, "sigdb", nil, "External signature database (repeatable)")

	// functions command
	functionsCmd := &cobra.Command{
		Use:   "functions [binary]",
		Short: "Discover functions and list entry, instruction and block counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := decomp.Run(args[0], decomp.Options{Workers: workers})
			if err != nil {
				return err
			}
			fmt.Printf("%-18s %-30s %8s %8s\n", "ENTRY", "NAME", "INSTRS", "BLOCKS")
			for _, fn := range res.Functions {
				fmt.Printf("0x%-16x %-30s %8d %8d\n", fn.Entry, fn.Name, fn.InstrCount, fn.BlockCount)
			}
			return nil
		},
	}
	functionsCmd.Flags().IntVar(&workers, "workers", 0, "Number of workers (0 = NumCPU)")

	// symbols command
	symbolsCmd := &cobra.Command{
		Use:   "symbols [binary]",
		Short: "Load the binary and dump its symbol map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vm, err := loader.Load(args[0])
			if err != nil {
				return err
			}
			addrs := make([]uint64, 0, len(vm.Symbols))
			for a := range vm.Symbols {
				addrs = append(addrs, a)
			}
			sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
			for _, a := range addrs {
				fmt.Printf("0x%-16x %s\n", a, vm.Symbols[a])
			}
			fmt.Printf("\n%d symbols, entry 0x%x, %s/%s\n",
				len(addrs), vm.EntryPoint, vm.Arch, vm.Format)
			return nil
		},
	}

	// sigdb command group
	sigdbCmd := &cobra.Command{
		Use:   "sigdb",
		Short: "Work with external signature databases",
	}
	sigdbVerifyCmd := &cobra.Command{
		Use:   "verify [file.json]",
		Short: "Parse and sanity-check a signature database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			db, err := typing.ReadSignatureDB(f)
			if err != nil {
				return err
			}
			fmt.Printf("Verifying %d entries from %s (%s)...\n",
				len(db.Functions), db.LibraryName, db.Architecture)
			hashed := 0
			for _, fn := range db.Functions {
				if fn.HashSignature != "" {
					hashed++
				}
			}
			fmt.Printf("OK: %d entries, %d with instruction hashes\n", len(db.Functions), hashed)
			return nil
		},
	}
	sigdbCmd.AddCommand(sigdbVerifyCmd)

	rootCmd.AddCommand(decompileCmd, functionsCmd, symbolsCmd, sigdbCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
