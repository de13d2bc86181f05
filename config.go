package main

import (
	"strings"
	"time"

	"troublepainter/database"
	"troublepainter/models"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const releaseVersion = "0.1.0"

// analysisBackOffSlack は再試行の間の待ち時間の合計の目安
const analysisBackOffSlack = 5 * time.Second

func newCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "troublepainter",
		Short:         "Trouble Painter のゲームサーバー",
		Args:          cobra.NoArgs,
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := database.LoadConfig(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), config)
		},
	}

	normalize := func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	}

	pfs := cmd.PersistentFlags()
	pfs.SetNormalizeFunc(normalize)
	pfs.StringVarP(&configPath, "config", "c", "", "path to config.json (env: TROUBLEPAINTER_*)")

	fs := cmd.Flags()
	fs.SetNormalizeFunc(normalize)
	fs.String("listen-addr", ":8080", "address to listen on (env: TROUBLEPAINTER_LISTEN_ADDR)")
	fs.String("public-url", "http://localhost:8080", "base URL encoded in join QR codes (env: TROUBLEPAINTER_PUBLIC_URL)")
	fs.BoolP("verbose", "v", false, "display additional output (env: TROUBLEPAINTER_VERBOSE)")
	fs.Duration("turn-timeout", 30*time.Second, "time before an idle turn is skipped (env: TROUBLEPAINTER_TURN_TIMEOUT)")

	cmd.AddCommand(newMigrateCmd(&configPath))
	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetVersionTemplate("troublepainter v{{.Version}}\n")
	return cmd
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "データベースのマイグレーションを適用します",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := database.LoadConfig(*configPath, nil)
			if err != nil {
				return err
			}
			return migrate(config)
		},
	}
}

// memoryOnly はDBを使わずに動かすかどうか
func memoryOnly(config models.Config) bool {
	return config.DBHost == ""
}

// analysisBudget は解析1回分の持ち時間。oracle_timeout は1回の呼び出しの上限なので、
// 再試行の回数分と待ち時間を足す
func analysisBudget(config models.Config) time.Duration {
	attempts := config.OracleMaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	return time.Duration(attempts)*config.OracleTimeout + analysisBackOffSlack
}
