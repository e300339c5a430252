package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/stowaway/service/internal/auth"
	"github.com/stowaway/service/internal/vhost"
)

var vhostCmd = &cobra.Command{
	Use:   "vhost [file]",
	Short: "Convert a YAML tenant file to the JSON accepted by VHOST",
	Long: `Reads a tenant definition file (YAML or JSON; stdin when no file is
given), validates it and prints it as single-line JSON for the VHOST
environment variable.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if len(args) == 1 {
			data, err = os.ReadFile(args[0])
		} else {
			data, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return errors.Wrap(err, "read tenant file")
		}
		tenants, err := vhost.Parse(data)
		if err != nil {
			return err
		}
		out, err := json.Marshal(tenants)
		if err != nil {
			return errors.Wrap(err, "encode tenants")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var (
	signSecret string
	signTTL    time.Duration
	signChain  string
	signPath   string
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print signature query parameters, or a transform token with --chain",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if signSecret == "" {
			return errors.New("--secret is required")
		}
		if signChain != "" {
			if signPath == "" {
				return errors.New("--path is required with --chain")
			}
			token, err := auth.SignChain(signSecret, signPath, signChain, signTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		}
		p := auth.Sign(signSecret, uuid.NewString(), time.Now().Add(signTTL))
		fmt.Fprintln(cmd.OutOrStdout(), p.Query().Encode())
		return nil
	},
}

func init() {
	signCmd.Flags().StringVar(&signSecret, "secret", os.Getenv("SECRET_KEY"), "tenant secret key")
	signCmd.Flags().DurationVar(&signTTL, "ttl", time.Hour, "validity")
	signCmd.Flags().StringVar(&signChain, "chain", "", "transform chain, e.g. resize=64x64#,format=png")
	signCmd.Flags().StringVar(&signPath, "path", "", "upload path the chain token is bound to")
}
