package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-engine-bridge/internal/bridge"
	"github.com/example/go-engine-bridge/internal/handle"
)

func newHandleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handle",
		Short: "Encode and decode engine handles",
	}

	cmd.AddCommand(newHandleEncodeCmd())
	cmd.AddCommand(newHandleDecodeCmd())

	return cmd
}

func newHandleEncodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encode OBJECT",
		Short: "Print an engine object of the configured program in transport form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			p, err := loadProgram(cmd.Context(), cfg.Paths.Program)
			if err != nil {
				return err
			}
			for _, spec := range p.Objects {
				if spec.Name != args[0] {
					continue
				}
				if spec.Class != bridge.ClassName {
					return fmt.Errorf("object %s is a %s, not an engine", spec.Name, spec.Class)
				}
				h, err := bridge.HandleFromFields(spec.Fields)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(handle.Flatten(h))
			}
			return fmt.Errorf("program %s has no object %q", p.Name, args[0])
		},
	}
}

func newHandleDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode [FILE]",
		Short: "Validate a transport-form handle read from FILE or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			return decodeHandle(r, cmd.OutOrStdout())
		},
	}
}

func decodeHandle(r io.Reader, w io.Writer) error {
	var fields []handle.Field
	if err := json.NewDecoder(r).Decode(&fields); err != nil {
		return fmt.Errorf("decode handle JSON: %w", err)
	}
	h, err := handle.Deserialize(fields)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\ndigest: %s\n", handle.FieldsString(handle.Flatten(h)), h.Digest())
	return err
}
