package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/mdp/qrterminal/v3"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	dim    = "\033[2m"
)

// Logo lines — base TermRelay ASCII art.
var logoLines = [6]string{
	`  _____                   ____      _             `,
	` |_   _|__ _ __ _ __ ___ |  _ \ ___| | __ _ _   _ `,
	`   | |/ _ \ '__| '_ ` + "`" + ` _ \| |_) / _ \ |/ _` + "`" + ` | | | |`,
	`   | |  __/ |  | | | | | |  _ <  __/ | (_| | |_| |`,
	`   |_|\___|_|  |_| |_| |_|_| \_\___|_|\__,_|\__, |`,
	`                                            |___/ `,
}

// Mode-specific ASCII art (right side, same height as the logo).
var routerArt = [6]string{
	`  ____             _            `,
	` |  _ \ ___  _   _| |_ ___ _ __ `,
	` | |_) / _ \| | | | __/ _ \ '__|`,
	` |  _ < (_) | |_| | ||  __/ |   `,
	` |_| \_\___/ \__,_|\__\___|_|   `,
	`                                `,
}

var agentArt = [6]string{
	`     _                    _   `,
	`    / \   __ _  ___ _ __ | |_ `,
	`   / _ \ / _` + "`" + ` |/ _ \ '_ \| __|`,
	`  / ___ \ (_| |  __/ | | | |_ `,
	` /_/   \_\__, |\___|_| |_|\__|`,
	`         |___/                `,
}

// PrintBanner prints the TermRelay ASCII art with mode-specific art
// appended to the right, plus a version/address line. Colors are used
// only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	modeArt := &agentArt
	modeColor := yellow
	if mode == "router" {
		modeArt = &routerArt
		modeColor = green
	}

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s%s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+modeColor, modeArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s%s\n", logoLines[i], modeArt[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}

// PrintAccessURL prints the router's public URL followed by a QR code
// so the URL can be scanned from a phone during chat-bot setup. Skipped
// when stderr is not a TTY.
func PrintAccessURL(url string) {
	if url == "" {
		return
	}
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return
	}
	fmt.Fprintf(os.Stderr, "  access: %s\n\n", url)
	qrterminal.GenerateWithConfig(url, qrterminal.Config{
		Level:      qrterminal.L,
		Writer:     os.Stderr,
		HalfBlocks: true,
		QuietZone:  1,
	})
	fmt.Fprintln(os.Stderr)
}
