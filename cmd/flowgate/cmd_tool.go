package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/flowgate/internal/sandbox"
	"github.com/user/flowgate/internal/store"
	"github.com/user/flowgate/internal/tool"
)

func init() {
	rootCmd.AddCommand(toolCmd)
	toolCmd.AddCommand(toolValidateCmd, toolListCmd, toolReloadCmd)
}

var toolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Manage tools",
}

var toolValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check that a tool source file parses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		engine := sandbox.New(sandbox.Options{})
		if err := engine.Validate(string(source)); err != nil {
			return fmt.Errorf("invalid tool source: %w", err)
		}
		fmt.Fprintln(os.Stdout, "OK")
		return nil
	},
}

var toolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in and registered dynamic tools",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		for _, def := range tool.Builtins() {
			fmt.Fprintf(os.Stdout, "%-24s builtin\n", def.Name)
		}

		db, err := store.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		records, err := db.ActiveToolRecords(ctx)
		if err != nil {
			return fmt.Errorf("list tools: %w", err)
		}
		for _, rec := range records {
			fmt.Fprintf(os.Stdout, "%-24s %s\n", rec.Name, rec.HandlerKind)
		}
		return nil
	},
}

var toolReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask a running daemon to reload its tool registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		url := "http://" + hostport(cfg.Listen) + "/api/tools/reload"
		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Post(url, "application/json", nil)
		if err != nil {
			return fmt.Errorf("reload request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("daemon returned status %d", resp.StatusCode)
		}
		fmt.Fprintln(os.Stdout, "Reloaded")
		return nil
	},
}

// hostport fills in localhost for a bare ":port" listen address.
func hostport(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "localhost" + listen
	}
	return listen
}
