package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Taicho/common/environment"
	"github.com/bdobrica/Taicho/common/transport"
)

// slaveRow is the subset of the registry dump the menu renders.
type slaveRow struct {
	ID         string    `json:"slave_id"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	DeviceType string    `json:"device_type"`
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Usage      struct {
		AgentsCount int `json:"agents_count"`
	} `json:"usage"`
	Capabilities struct {
		MaxAgents int `json:"max_agents"`
	} `json:"capabilities"`
}

func newSlavesMenuCommand() *cobra.Command {
	var masterURL string

	cmd := &cobra.Command{
		Use:   "slaves-menu",
		Short: "Interactive fleet view: list slaves, unregister with one key",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := environment.StringOr("TAICHO_SLAVE_TOKEN", "")
			client := transport.New(transport.Options{Token: token})
			menu := &slavesMenu{
				base:   strings.TrimRight(masterURL, "/"),
				client: client,
				in:     bufio.NewScanner(os.Stdin),
				out:    os.Stdout,
			}
			return menu.run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&masterURL, "master", "m", "http://localhost:8080", "orchestrator base URL")
	return cmd
}

type slavesMenu struct {
	base   string
	client *transport.Client
	in     *bufio.Scanner
	out    *os.File
}

func (m *slavesMenu) run(ctx context.Context) error {
	for {
		if err := m.render(ctx); err != nil {
			return err
		}
		fmt.Fprint(m.out, "\n[r]efresh  [u]nregister <slave_id>  [q]uit > ")
		if !m.in.Scan() {
			return m.in.Err()
		}
		line := strings.TrimSpace(m.in.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "q", "quit":
			return nil
		case "r", "refresh":
			continue
		case "u", "unregister":
			if len(fields) < 2 {
				fmt.Fprintln(m.out, "usage: u <slave_id>")
				continue
			}
			if err := m.unregister(ctx, fields[1]); err != nil {
				fmt.Fprintf(m.out, "unregister failed: %v\n", err)
			} else {
				fmt.Fprintf(m.out, "unregistered %s\n", fields[1])
			}
		default:
			fmt.Fprintf(m.out, "unknown action %q\n", fields[0])
		}
	}
}

func (m *slavesMenu) render(ctx context.Context) error {
	var slaves []slaveRow
	if err := m.client.GetJSON(ctx, m.base+"/api/slaves", &slaves); err != nil {
		return err
	}

	w := tabwriter.NewWriter(m.out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLAVE\tENDPOINT\tDEVICE\tSTATUS\tAGENTS\tLAST SEEN")
	for _, s := range slaves {
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\t%d/%d\t%s\n",
			s.ID, s.Host, s.Port, s.DeviceType, s.Status,
			s.Usage.AgentsCount, s.Capabilities.MaxAgents,
			s.LastSeenAt.Local().Format(time.RFC3339))
	}
	return w.Flush()
}

func (m *slavesMenu) unregister(ctx context.Context, slaveID string) error {
	resp, err := m.client.Request(ctx, http.MethodDelete,
		fmt.Sprintf("%s/api/slaves/%s", m.base, slaveID), nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("master returned %d", resp.StatusCode)
	}
	return nil
}
