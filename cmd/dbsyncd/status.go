package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Live dashboard over every registered table's sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		p := tea.NewProgram(newDashboardModel(e))
		_, err = p.Run()
		return err
	},
}
