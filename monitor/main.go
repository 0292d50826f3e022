// Сервис наблюдения за зоной ограниченного доступа: камеры, распознавание
// лиц с проверкой допуска и запись аномалий.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "monitor",
	Short:        "Restricted area video monitor",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor(configPath)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "config.yaml",
		"config path")
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

// setupLogging выставляет уровень и формат логов из конфига.
func setupLogging(c Config) error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}

	logrus.SetLevel(level)

	switch c.LogFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return nil
}
