package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dimuls/area-monitor/gallery"
)

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Inspect the face gallery and trigger its reload",
}

var galleryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List identities of the face gallery",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := LoadConfig(configPath)
		if err != nil {
			return err
		}

		g, err := gallery.Load(config.Gallery.Path)
		if err != nil {
			return err
		}

		if g.Len() == 0 {
			fmt.Println("Gallery is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintf(w, "NAME\tREFERENCES\tDIM\n")

		for _, name := range g.Names() {
			id, _ := g.Identity(name)
			fmt.Fprintf(w, "%s\t%d\t%d\n", id.Name, len(id.References), g.Dim())
		}

		return w.Flush()
	},
}

var galleryTouchCmd = &cobra.Command{
	Use:   "touch",
	Short: "Update the gallery stamp so running monitors reload the gallery",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := LoadConfig(configPath)
		if err != nil {
			return err
		}

		// Перед отметкой проверяем, что галерея читается.
		g, err := gallery.Load(config.Gallery.Path)
		if err != nil {
			return err
		}

		err = gallery.WriteStamp(config.Gallery.StampPath, time.Now())
		if err != nil {
			return err
		}

		fmt.Printf("Stamp %s updated, %d identities.\n",
			config.Gallery.StampPath, g.Len())

		return nil
	},
}

func init() {
	galleryCmd.AddCommand(galleryListCmd, galleryTouchCmd)
	rootCmd.AddCommand(galleryCmd)
}
