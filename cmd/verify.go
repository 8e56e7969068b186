package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kfsoftware/bims-ledger/pkg/ledger"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

type verifyOptions struct {
	from   int64
	to     int64
	output string
}

func NewVerifyCmd() *cobra.Command {
	c := &verifyOptions{}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the integrity of the chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			setLogLevel(cfg.LogLevel)
			store, _, closer, err := openChainStore(cfg.Database)
			if err != nil {
				return err
			}
			defer closer.Close()
			validator := ledger.NewValidator(store, ledger.WithPageSize(cfg.Ledger.PageSize))
			return c.run(context.Background(), validator, cmd.OutOrStdout())
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.Int64VarP(&c.from, "from", "", 0, "First block to verify")
	persistentFlags.Int64VarP(&c.to, "to", "", -1, "Last block to verify")
	persistentFlags.StringVarP(&c.output, "output", "o", "text", "Output format: text, json or yaml")
	return cmd
}

func (c *verifyOptions) rng() ledger.Range {
	r := ledger.Range{}
	if c.from > 0 {
		r.From = uint64(c.from)
	}
	if c.to >= 0 {
		to := uint64(c.to)
		r.To = &to
	}
	return r
}

func (c *verifyOptions) run(ctx context.Context, validator *ledger.Validator, out io.Writer) error {
	result, err := validator.Verify(ctx, c.rng())
	if err != nil {
		return err
	}
	if err := writeResult(out, c.output, result); err != nil {
		return err
	}
	if !result.Valid {
		log.Errorf("Chain is corrupted at block %d: %s", *result.InvalidIndex, result.Reason)
	}
	return result.Err()
}

func writeResult(out io.Writer, format string, result ledger.ValidationResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "yaml":
		data, err := yaml.Marshal(result)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	case "text":
		if result.Valid {
			_, err := fmt.Fprintf(out, "chain valid, %d blocks checked\n", result.Checked)
			return err
		}
		_, err := fmt.Fprintf(out, "chain invalid at block %d: %s (%d blocks checked)\n", *result.InvalidIndex, result.Reason, result.Checked)
		return err
	default:
		return errors.Errorf("unknown output format %q", format)
	}
}
