// Command vmctl drives the VM core's scenario catalogue outside of a real
// fault handler, the way operator-registry's initializer/opm commands drive
// their own libraries from the shell instead of from a running server.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/pprof/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var rootCmd = &cobra.Command{
	Use:   "vmctl",
	Short: "vmctl",
	Long:  `vmctl drives the virtual-memory core's simulated collaborators through its §8 scenario catalogue.`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd, listCmd, profileCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [scenario]",
	Short: "run one or all scenarios",
	Long:  `run executes a named scenario, or every scenario in catalogue order if none is given.`,
	RunE:  runCmdFunc,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list available scenarios",
	RunE:  listCmdFunc,
}

var profileCmd = &cobra.Command{
	Use:   "profile [output.pprof]",
	Short: "run every scenario and write an event-count profile",
	Long: `profile runs the full scenario catalogue against one address space and
writes one pprof profile.proto sample per scenario, labeled with the SPT entry
count, the free swap slot count and whether the scenario failed, so the result
can be inspected with "go tool pprof".`,
	Args: cobra.MaximumNArgs(1),
	RunE: profileCmdFunc,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("vmctl failed")
	}
}

func runCmdFunc(cmd *cobra.Command, args []string) error {
	log := logrus.NewEntry(logrus.StandardLogger())
	names := make([]string, 0, len(scenarios))
	if len(args) == 1 {
		if _, ok := findScenario(args[0]); !ok {
			return fmt.Errorf("unknown scenario %q", args[0])
		}
		names = append(names, args[0])
	} else {
		for _, s := range scenarios {
			names = append(names, s.name)
		}
	}

	printer := statPrinter()
	failed := 0
	for _, name := range names {
		s, _ := findScenario(name)
		env := newEnvironment(log.WithField("scenario", s.name))
		start := time.Now()
		err := s.run(env)
		elapsed := time.Since(start)
		if err != nil {
			failed++
			printer.Printf("FAIL %-4s %-60s (%d SPT entries, %v)\n", s.name, s.desc, env.as.Len(), elapsed)
			log.WithError(err).WithField("scenario", s.name).Error("scenario failed")
			continue
		}
		printer.Printf("ok   %-4s %-60s (%d SPT entries, %v)\n", s.name, s.desc, env.as.Len(), elapsed)
	}
	if failed > 0 {
		return fmt.Errorf("%d scenario(s) failed", failed)
	}
	return nil
}

func listCmdFunc(cmd *cobra.Command, args []string) error {
	printer := statPrinter()
	for _, s := range scenarios {
		printer.Printf("%-4s %s\n", s.name, s.desc)
	}
	return nil
}

// profileCmdFunc runs the whole catalogue and emits a pprof profile with one
// sample per scenario run (value 1) rather than CPU time, with numeric labels
// for SPT entries, free swap slots and failure, giving vmctl's own runtime behavior a
// runtime/pprof-compatible inspection surface without pretending to profile
// CPU usage that a simulation like this one doesn't meaningfully have.
func profileCmdFunc(cmd *cobra.Command, args []string) error {
	out := "vmctl.pprof"
	if len(args) == 1 {
		out = args[0]
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	env := newEnvironment(log)

	eventFn := &profile.Function{ID: 1, Name: "scenario_event", SystemName: "scenario_event", Filename: "vmctl"}
	eventLoc := &profile.Location{ID: 1, Line: []profile.Line{{Function: eventFn, Line: 1}}}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "events", Unit: "count"}},
		Function:   []*profile.Function{eventFn},
		Location:   []*profile.Location{eventLoc},
		TimeNanos:  0,
	}

	for _, s := range scenarios {
		failed := 0
		if err := s.run(env); err != nil {
			failed = 1
			log.WithError(err).WithField("scenario", s.name).Warn("scenario failed during profiling run")
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{eventLoc},
			Value:    []int64{1},
			Label: map[string][]string{
				"scenario": {s.name},
			},
			NumLabel: map[string][]int64{
				"spt_entries": {int64(env.as.Len())},
				"swap_free":   {int64(env.bmp.FreeCount())},
				"failed":      {int64(failed)},
			},
		})
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := p.Write(f); err != nil {
		return err
	}
	statPrinter().Printf("wrote %d samples to %s\n", len(p.Sample), out)
	return nil
}

func statPrinter() *message.Printer {
	return message.NewPrinter(language.English)
}
