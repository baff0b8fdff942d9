// Command kiro-accounts manages the account pool from the terminal.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kiroflow/kiro-proxy-go/internal/account"
	"github.com/kiroflow/kiro-proxy-go/internal/auth"
	"github.com/kiroflow/kiro-proxy-go/internal/config"
	"github.com/kiroflow/kiro-proxy-go/internal/quota"
	"github.com/kiroflow/kiro-proxy-go/internal/ratelimit"
	"github.com/kiroflow/kiro-proxy-go/internal/util"
)

func main() {
	args := os.Args[1:]
	command := "login"
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			command = arg
			break
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(os.Stdin)

	switch command {
	case "login", "add":
		ensureServerStopped(cfg)
		interactiveLogin(cfg, scanner)
	case "list":
		listAccounts(cfg)
	case "remove":
		ensureServerStopped(cfg)
		interactiveRemove(cfg, scanner)
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Run with \"help\" for usage information.")
	}
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  kiro-accounts login   Add an account via AWS device authorization")
	fmt.Println("  kiro-accounts list    List all accounts")
	fmt.Println("  kiro-accounts remove  Remove an account")
	fmt.Println("  kiro-accounts help    Show this help")
}

func loadConfig() (*config.Config, error) {
	dataDir := os.Getenv("KIRO_PROXY_DATA_DIR")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".kiro-proxy")
	}
	return config.Load(filepath.Join(dataDir, "config.json"))
}

// openRegistry builds a registry over the same files the server uses. The
// quota and limiter collaborators are inert here, the CLI only edits the pool.
func openRegistry(cfg *config.Config) *account.Registry {
	logger := zerolog.Nop()
	cache := quota.NewCache(cfg.QuotaCacheFile(), logger)
	cooldowns := quota.NewCooldownTable()
	limiter := ratelimit.NewLimiter(cfg.RateLimit, logger)
	selector := account.NewSelector(cache, cfg.PriorityFile(), logger)
	return account.NewRegistry(cfg.AccountsFile(), cache, cooldowns, limiter, selector, logger)
}

// ensureServerStopped exits if the proxy is listening on the configured port,
// so pool edits are not lost to a concurrent process.
func ensureServerStopped(cfg *config.Config) {
	conn, err := net.DialTimeout("tcp", cfg.Addr(), time.Second)
	if err != nil {
		return
	}
	conn.Close()
	fmt.Printf("\nError: kiro-proxy is currently running on %s.\n\n", cfg.Addr())
	fmt.Println("Stop the server (Ctrl+C) before managing accounts, or use the admin API instead.")
	os.Exit(1)
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", strings.ReplaceAll(url, "&", "^&"))
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		fmt.Println("\nCould not open browser automatically.")
		fmt.Println("Please open this URL manually:", url)
	}
}

func prompt(scanner *bufio.Scanner, message string) string {
	fmt.Print(message)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

func displayAccounts(accounts []*account.Account) {
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}
	fmt.Printf("\n%d account(s) saved:\n", len(accounts))
	for i, acc := range accounts {
		status := ""
		if !acc.IsEnabled() {
			status = " (disabled)"
		} else if s := acc.CurrentStatus(); s != account.StatusActive && s != account.StatusUnknown {
			status = fmt.Sprintf(" (%s)", s)
		}
		fmt.Printf("  %d. %s [%s]%s\n", i+1, acc.Name, acc.ID, status)
	}
}

func listAccounts(cfg *config.Config) {
	registry := openRegistry(cfg)
	displayAccounts(registry.All())
}

func interactiveLogin(cfg *config.Config, scanner *bufio.Scanner) {
	registry := openRegistry(cfg)
	displayAccounts(registry.All())

	name := prompt(scanner, "\nAccount name (blank for auto): ")
	region := prompt(scanner, "AWS region [us-east-1]: ")

	fmt.Println("\nStarting device authorization...")

	flows := auth.NewFlowManager(zerolog.Nop())
	ctx := context.Background()

	start, err := flows.StartDeviceFlow(ctx, region)
	if err != nil {
		fmt.Printf("\nFailed to start login: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nYour code: %s\n", start.UserCode)
	fmt.Printf("Open this URL and confirm the code:\n   %s\n\n", start.VerificationURI)
	openBrowser(start.VerificationURI)

	fmt.Printf("Waiting for authorization (expires in %ds)...\n", start.ExpiresIn)

	interval := time.Duration(start.Interval) * time.Second
	var creds *auth.Credentials
	for {
		time.Sleep(interval)
		poll, err := flows.PollDeviceFlow(ctx)
		if err != nil {
			fmt.Printf("\nLogin failed: %v\n", err)
			os.Exit(1)
		}
		if poll.Completed {
			creds = poll.Credentials
			break
		}
		if poll.Status == "slow_down" {
			interval += 5 * time.Second
		}
	}

	if err := util.EnsureDir(cfg.TokenDir()); err != nil {
		fmt.Printf("\nCannot create token directory: %v\n", err)
		os.Exit(1)
	}
	tokenPath := filepath.Join(cfg.TokenDir(), uuid.NewString()+".json")
	if err := creds.Save(tokenPath); err != nil {
		fmt.Printf("\nFailed to save credentials: %v\n", err)
		os.Exit(1)
	}

	acc, err := registry.Add(name, tokenPath)
	if err != nil {
		fmt.Printf("\nFailed to add account: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nAdded account %s [%s]\n", acc.Name, acc.ID)
	displayAccounts(registry.All())
}

func interactiveRemove(cfg *config.Config, scanner *bufio.Scanner) {
	registry := openRegistry(cfg)
	for {
		accounts := registry.All()
		if len(accounts) == 0 {
			fmt.Println("\nNo accounts to remove.")
			return
		}

		displayAccounts(accounts)
		answer := prompt(scanner, "\nEnter account number to remove (or 0 to cancel): ")
		index, err := strconv.Atoi(answer)
		if err != nil || index < 0 || index > len(accounts) {
			fmt.Println("\nInvalid selection.")
			continue
		}
		if index == 0 {
			return
		}

		target := accounts[index-1]
		confirm := prompt(scanner, fmt.Sprintf("\nRemove %s [%s]? [y/N]: ", target.Name, target.ID))
		if strings.ToLower(confirm) == "y" {
			if registry.Remove(target.ID) {
				fmt.Printf("\nRemoved %s\n", target.Name)
			} else {
				fmt.Println("\nAccount not found.")
			}
		} else {
			fmt.Println("\nCancelled.")
		}

		again := prompt(scanner, "\nRemove another account? [y/N]: ")
		if strings.ToLower(again) != "y" {
			return
		}
	}
}
