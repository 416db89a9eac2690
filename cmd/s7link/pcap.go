package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"s7link/pcap"
)

type pcapFlags struct {
	inputFile string
	port      uint16
	jsonOut   bool
	frames    bool
}

func newPcapCmd() *cobra.Command {
	flags := &pcapFlags{}

	cmd := &cobra.Command{
		Use:   "pcap",
		Short: "Summarize S7 traffic in a PCAP file",
		Long: `Summarize ISO-on-TCP traffic in a pcap or pcapng file: frame counts
by kind, connection handshakes, and read jobs with their acks.

If --input is omitted, the first positional argument is used.`,
		Example: `  # Summarize a capture
  s7link pcap --input s7.pcapng

  # Full report as JSON
  s7link pcap s7.pcap --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.inputFile == "" && len(args) > 0 {
				flags.inputFile = args[0]
			}
			if flags.inputFile == "" {
				return fmt.Errorf("required flag --input not set")
			}
			return runPcap(cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.inputFile, "input", "", "Input PCAP file (required)")
	cmd.Flags().Uint16Var(&flags.port, "port", pcap.DefaultPort, "ISO-on-TCP server port")
	cmd.Flags().BoolVar(&flags.jsonOut, "json", false, "Print the full report as JSON")
	cmd.Flags().BoolVar(&flags.frames, "frames", false, "List every frame")

	return cmd
}

func runPcap(out io.Writer, flags *pcapFlags) error {
	rep, err := pcap.NewReader(pcap.WithPort(flags.port)).ReadFile(flags.inputFile)
	if err != nil {
		return fmt.Errorf("summarize pcap: %w", err)
	}

	if flags.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	writePcapSummary(out, rep, flags.frames)
	return nil
}

func writePcapSummary(out io.Writer, rep *pcap.Report, frames bool) {
	fmt.Fprintf(out, "Packets: %d\n", rep.Packets)
	fmt.Fprintf(out, "Frames:  %d\n", len(rep.Frames))

	kinds := make([]string, 0, len(rep.Counts))
	for k := range rep.Counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(out, "  %-20s %d\n", k, rep.Counts[k])
	}

	confirmed := 0
	for _, c := range rep.Connections {
		if c.Confirm != nil {
			confirmed++
		}
	}
	fmt.Fprintf(out, "Connections: %d (%d confirmed)\n", len(rep.Connections), confirmed)

	unanswered := rep.Unanswered()
	fmt.Fprintf(out, "Read jobs: %d (%d unanswered)\n", len(rep.Exchanges), len(unanswered))
	for _, x := range rep.Exchanges {
		if x.Ack == nil {
			fmt.Fprintf(out, "  %s ref=0x%04x no ack\n", x.Stream, x.Ref)
			continue
		}
		status := "ok"
		if x.Ack.Summary != nil && x.Ack.Summary.Error != "" {
			status = x.Ack.Summary.Error
		}
		fmt.Fprintf(out, "  %s ref=0x%04x items=%d latency=%s %s\n",
			x.Stream, x.Ref, len(x.Job.Summary.Requests), x.Latency, status)
	}

	if !frames {
		return
	}
	fmt.Fprintln(out, "Frames:")
	for _, f := range rep.Frames {
		dir := "<-"
		if f.ToServer {
			dir = "->"
		}
		line := fmt.Sprintf("  %s %s %s %s", f.Timestamp.Format("15:04:05.000000"), dir, f.Stream, f.Kind())
		if f.Error != "" {
			line += ": " + f.Error
		}
		fmt.Fprintln(out, line)
	}
}
