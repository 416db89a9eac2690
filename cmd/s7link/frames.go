package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"s7link/config"
	"s7link/s7"
)

type crFlags struct {
	configPath *string
	confirm    bool
	srcRef     int
}

func newCRCmd(configPath *string) *cobra.Command {
	flags := &crFlags{configPath: configPath}

	cmd := &cobra.Command{
		Use:   "cr",
		Short: "Build a COTP connection request from the configured context",
		Long: `Build the COTP connection request for the configured rack, slot and
TSAPs and print it as hex. With --confirm the matching connection
confirm is printed on a second line.`,
		Example: `  # Connection request for rack 0 slot 2
  s7link cr --config s7link.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCR(cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.confirm, "confirm", false, "Also print the connection confirm a server would send")
	cmd.Flags().IntVar(&flags.srcRef, "src-ref", 0x0001, "Source reference used in the confirm")

	return cmd
}

func runCR(out io.Writer, flags *crFlags) error {
	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, err := cfg.S7Context()
	if err != nil {
		return err
	}

	req, err := s7.BuildConnectionRequest(ctx)
	if err != nil {
		return err
	}
	frame, err := req.Encode()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hex.EncodeToString(frame))

	if !flags.confirm {
		return nil
	}
	if flags.srcRef < -32768 || flags.srcRef > 32767 {
		return fmt.Errorf("--src-ref %d out of range", flags.srcRef)
	}
	cc, err := s7.BuildConnectionConfirm(req, int16(flags.srcRef))
	if err != nil {
		return err
	}
	frame, err = cc.Encode()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hex.EncodeToString(frame))
	return nil
}

type jobFlags struct {
	ref uint16
}

func newJobCmd() *cobra.Command {
	flags := &jobFlags{}

	cmd := &cobra.Command{
		Use:   "job <address>...",
		Short: "Encode a read job for one or more addresses",
		Example: `  # Read a word from DB1 and a bit from the inputs
  s7link job DB1.DBW0 I0.3 --ref 7`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.OutOrStdout(), flags, args)
		},
	}

	cmd.Flags().Uint16Var(&flags.ref, "ref", 1, "PDU reference")

	return cmd
}

func runJob(out io.Writer, flags *jobFlags, addrs []string) error {
	items := make([]s7.ReadRequestItem, 0, len(addrs))
	for _, a := range addrs {
		addr, err := s7.ParseAddress(a)
		if err != nil {
			return err
		}
		items = append(items, addr.ReadItem())
	}
	pdu, err := s7.EncodeReadJob(flags.ref, items)
	if err != nil {
		return err
	}
	frame, _, err := s7.EncodeDataTPDU(pdu)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hex.EncodeToString(frame))
	return nil
}

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode a TPKT frame given as hex",
		Long: `Decode a complete TPKT frame and print its fields as JSON. Spaces,
colons and a leading 0x are ignored, so Wireshark "copy as hex" output
can be pasted directly.`,
		Example: `  s7link decode 0300001611e00000000100c0010ac1020100c2020102`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(cmd.OutOrStdout(), strings.Join(args, ""))
		},
	}
}

func runDecode(out io.Writer, input string) error {
	frame, err := parseHex(input)
	if err != nil {
		return err
	}
	summary, err := s7.Inspect(frame)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, fmt.Errorf("empty frame")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}
