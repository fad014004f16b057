// Command aero-webrtc-signaling-stat prints the room and participant summary
// served by a running signaling server's GET /status.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/httpserver"
)

const maxStatusBytes = 4 << 20

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("aero-webrtc-signaling-stat", flag.ContinueOnError)
	addr := fs.String("addr", "http://127.0.0.1:8080", "Base URL of the signaling server")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	status, err := fetchStatus(ctx, http.DefaultClient, *addr)
	if err != nil {
		return err
	}
	render(out, status)
	return nil
}

func fetchStatus(ctx context.Context, client *http.Client, baseURL string) (httpserver.StatusResponse, error) {
	var status httpserver.StatusResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/status", nil)
	if err != nil {
		return status, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return status, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("fetch status: unexpected HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxStatusBytes)).Decode(&status); err != nil {
		return status, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

func render(w io.Writer, status httpserver.StatusResponse) {
	fmt.Fprintf(w, "status=%s at %s: %d users in %d rooms, %d connections\n",
		status.Status, status.Timestamp, status.ActiveUsers, status.ActiveRooms, status.Connections)
	if len(status.Rooms) == 0 {
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Room", "Participants", "Display Name", "Joined At"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	rooms := make([]string, 0, len(status.Rooms))
	for room := range status.Rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)

	for _, room := range rooms {
		rs := status.Rooms[room]
		count := strconv.Itoa(rs.Participants)
		if len(rs.Users) == 0 {
			table.Append([]string{room, count, "", ""})
			continue
		}
		for i, u := range rs.Users {
			name, participants := room, count
			if i > 0 {
				name, participants = "", ""
			}
			table.Append([]string{name, participants, u.DisplayName, u.JoinedAt})
		}
	}
	table.Render()
}
