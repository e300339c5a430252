//	@title			Stowaway API
//	@version		1.0
//	@description	Multi-tenant file storage proxy: uploads to a local cache, replication to remote stores, on-the-fly image variants.
//
//	@BasePath	/

package main

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	_ "github.com/stowaway/service/docs/swagger"
)

var rootCmd = &cobra.Command{
	Use:           "stowaway",
	Short:         "Multi-tenant file storage proxy",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(vhostCmd)
	rootCmd.AddCommand(signCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
