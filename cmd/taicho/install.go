package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Taicho/common/environment"
	"github.com/bdobrica/Taicho/common/fault"
	"github.com/bdobrica/Taicho/internal/orchestrator/humanreq"
	"github.com/bdobrica/Taicho/internal/orchestrator/installer"
	"github.com/bdobrica/Taicho/internal/orchestrator/notify"
)

// Exit codes: 0 installed, 1 recoverable failure (fix the host and retry),
// 2 escalated to a human request.
const (
	exitRecoverable = 1
	exitEscalated   = 2
)

func newInstallCommand() *cobra.Command {
	var (
		port           int
		dataDir        string
		repoURL        string
		branch         string
		installDir     string
		credentialsRef string
	)

	cmd := &cobra.Command{
		Use:   "install <host> <user>",
		Short: "Provision the slave runtime on a remote host through its bootstrap endpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, user := args[0], args[1]
			if repoURL == "" {
				return fmt.Errorf("--repo-url is required")
			}
			if credentialsRef == "" {
				credentialsRef = "user:" + user
			}

			ctx, cancel := signalContext()
			defer cancel()

			runs, err := installer.NewRunStore(dataDir)
			if err != nil {
				return err
			}
			human, err := humanreq.New(dataDir, notify.LogListener{})
			if err != nil {
				return err
			}

			token := environment.StringOr("TAICHO_SLAVE_TOKEN", "")
			ins := installer.New(runs, human, token, installer.Options{
				RepoURL:    repoURL,
				Branch:     branch,
				InstallDir: installDir,
			})

			run, err := ins.Install(ctx, "", host, port, credentialsRef)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Installation failed: %v\n", err)
				if run != nil {
					fmt.Fprintf(os.Stderr, "Run %s finished as %s\n", run.ID, run.Status)
				}
				if fault.IsKind(err, fault.InstallerPrereq) ||
					fault.IsKind(err, fault.InstallerClone) ||
					fault.IsKind(err, fault.InstallerExhausted) {
					os.Exit(exitEscalated)
				}
				os.Exit(exitRecoverable)
			}

			fmt.Printf("Installed on %s:%d via %s strategy (run %s)\n",
				host, port, run.Strategy, run.ID)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 8090, "target bootstrap port")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "orchestrator data directory")
	cmd.Flags().StringVar(&repoURL, "repo-url", "", "repository to install from")
	cmd.Flags().StringVar(&branch, "branch", "main", "branch to install")
	cmd.Flags().StringVar(&installDir, "install-dir", "/opt/taicho", "installation directory on the host")
	cmd.Flags().StringVar(&credentialsRef, "credentials-ref", "", "reference to the credentials used, recorded on the run")
	return cmd
}
