package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"

	"github.com/CharlesNg35/shellcn-sub007/tui/internal/app"
	"github.com/CharlesNg35/shellcn-sub007/tui/internal/client"
	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL of the session registry")
	token := flag.String("token", os.Getenv("SHELLCN_TOKEN"), "Viewer token (defaults to $SHELLCN_TOKEN)")
	logPath := flag.String("log", "", "Write client logs to this file")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: a viewer token is required (-token or SHELLCN_TOKEN)")
		os.Exit(2)
	}

	// Log lines would corrupt the alt screen.
	log.SetOutput(io.Discard)
	if *logPath != "" {
		f, err := tea.LogToFile(*logPath, "shellcn-tui")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
	}

	// Derive HTTP base URL from WebSocket URL.
	httpBase := deriveHTTPBase(*wsURL)

	ws := client.NewWSClient(*wsURL, *token)
	httpClient := client.NewHTTPClient(httpBase, *token)

	m := app.New(ws, httpClient)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// deriveHTTPBase converts ws://host:port/ws → http://host:port
func deriveHTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "http://127.0.0.1:8080"
	}
	scheme := "http"
	if strings.HasPrefix(u.Scheme, "wss") {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}
