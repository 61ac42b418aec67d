package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "A camera checkpoint that verifies a face and then a QR code",
	Long: `Checkpoint drives a two-camera verification station. It watches the
face camera until a face is present, switches to the other camera, reads a
QR code, and reports the combined outcome together with the device location.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
