package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"spire/pkg/shared/config"
	"spire/pkg/shared/logger"
)

var log = logger.New(os.Stdout)
var uiColorEnabled = detectColorTTY()

var configFile string

var rootCmd = &cobra.Command{
	Use:   "spire",
	Short: "Notebook instance lifecycle daemon",
	Long: `spire provisions cloud instances for notebook sessions, bootstraps them,
tunnels the notebook service to the local machine and tears the instance down
once its artifacts are backed up.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (env and .env are always read)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal("%v", err)
	}
}

// loadConfig reads the configuration and applies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debug("HTTP Request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func uiOK(label, detail string) {
	fmt.Printf("%s %s: %s\n", paint("[OK]", "green"), label, detail)
}

func uiWarn(msg string) {
	fmt.Printf("%s %s\n", paint("[!!]", "yellow"), msg)
}

func uiDone(msg string) {
	fmt.Printf("%s %s\n\n", paint("[DONE]", "cyan"), msg)
}

func detectColorTTY() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("TERM") == "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func paint(s, style string) string {
	if !uiColorEnabled {
		return s
	}
	switch style {
	case "bold":
		return "\033[1m" + s + "\033[0m"
	case "green":
		return "\033[32m" + s + "\033[0m"
	case "yellow":
		return "\033[33m" + s + "\033[0m"
	case "cyan":
		return "\033[36m" + s + "\033[0m"
	default:
		return s
	}
}
