package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const serviceName = "dpledger"
const serviceDisplayName = "dpledger Privacy Query Server"
const serviceDescription = "dpledger - differential privacy query engine with per-account epsilon budgets"

// dpledgerService implements the svc.Handler interface
type dpledgerService struct{}

// Execute is called by the Windows Service Control Manager
func (s *dpledgerService) Execute(args []string, changeReq <-chan svc.ChangeRequest, status chan<- svc.Status) (bool, uint32) {
	const cmdsAccepted = svc.AcceptStop | svc.AcceptShutdown

	status <- svc.Status{State: svc.StartPending}

	// Change to executable directory so .env, the database and logs are found
	if exePath, err := os.Executable(); err == nil {
		_ = os.Chdir(filepath.Dir(exePath))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- runServer(ctx)
	}()

	status <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}

	for {
		select {
		case err := <-done:
			if err != nil {
				return true, 1
			}
			return false, 0
		case c := <-changeReq:
			switch c.Cmd {
			case svc.Interrogate:
				status <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				status <- svc.Status{State: svc.StopPending}
				cancel()
				select {
				case <-done:
				case <-time.After(closeTimeout + shutdownTimeout):
				}
				return false, 0
			}
		}
	}
}

// isRunningAsService checks if the process is running as a Windows Service
func isRunningAsService() bool {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isService
}

// runAsService starts the application as a Windows Service
func runAsService() {
	if err := svc.Run(serviceName, &dpledgerService{}); err != nil {
		fmt.Printf("Failed to run as service: %v\n", err)
		os.Exit(1)
	}
}

func addServiceCommands(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the Windows service",
	}
	cmd.AddCommand(
		&cobra.Command{Use: "install", Short: "Register dpledger as a Windows service", Args: cobra.NoArgs, RunE: func(*cobra.Command, []string) error { return installService() }},
		&cobra.Command{Use: "uninstall", Short: "Remove the Windows service", Args: cobra.NoArgs, RunE: func(*cobra.Command, []string) error { return uninstallService() }},
		&cobra.Command{Use: "start", Short: "Start the Windows service", Args: cobra.NoArgs, RunE: func(*cobra.Command, []string) error { return startService() }},
		&cobra.Command{Use: "stop", Short: "Stop the Windows service", Args: cobra.NoArgs, RunE: func(*cobra.Command, []string) error { return stopService() }},
	)
	root.AddCommand(cmd)
}

func connectManager() (*mgr.Mgr, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to service manager (run as Administrator): %w", err)
	}
	return m, nil
}

// installService registers dpledger as a Windows Service
func installService() error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	m, err := connectManager()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	// Check if service already exists
	s, err := m.OpenService(serviceName)
	if err == nil {
		s.Close()
		fmt.Printf("Service '%s' is already installed.\n", serviceName)
		return nil
	}

	s, err = m.CreateService(serviceName, exePath, mgr.Config{
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		StartType:   mgr.StartAutomatic,
	})
	if err != nil {
		return fmt.Errorf("failed to install service: %w", err)
	}
	defer s.Close()

	fmt.Printf("Service '%s' installed successfully.\n", serviceName)
	fmt.Println("Start with: dpledger service start")
	return nil
}

// uninstallService removes dpledger from Windows Services
func uninstallService() error {
	m, err := connectManager()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		fmt.Printf("Service '%s' is not installed.\n", serviceName)
		return nil
	}
	defer s.Close()

	if err := s.Delete(); err != nil {
		return fmt.Errorf("failed to uninstall service: %w", err)
	}
	fmt.Printf("Service '%s' uninstalled successfully.\n", serviceName)
	return nil
}

// startService starts the dpledger Windows Service
func startService() error {
	m, err := connectManager()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		return fmt.Errorf("service '%s' is not installed, run 'dpledger service install' first", serviceName)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	fmt.Printf("Service '%s' started.\n", serviceName)
	return nil
}

// stopService stops the dpledger Windows Service
func stopService() error {
	cmd := exec.Command("sc", "stop", serviceName)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	fmt.Printf("Service '%s' stopped.\n", serviceName)
	return nil
}
