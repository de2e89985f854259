package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/stagehand/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Stagehand Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		// 1. Engine command
		command := prompt(scanner, "Engine command", strings.Join(cfg.Engine.Command, " "))
		if fields := strings.Fields(command); len(fields) > 0 {
			cfg.Engine.Command = fields
		}

		// 2. Data directory
		cfg.DataDir = prompt(scanner, "Data directory", cfg.DataDir)

		// 3. Default agent
		cfg.DefaultAgent = prompt(scanner, "Default agent", cfg.DefaultAgent)

		// 4. Approval timeout
		timeoutStr := prompt(scanner, "Approval timeout (seconds)", strconv.Itoa(cfg.ApprovalTimeoutSecs))
		if n, err := strconv.Atoi(timeoutStr); err == nil && n > 0 {
			cfg.ApprovalTimeoutSecs = n
		}

		// 5. Telegram bot token (optional)
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)

		// 6. Web listen address (empty disables the web surface)
		cfg.Web.Listen = prompt(scanner, "Web listen address (optional)", cfg.Web.Listen)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
