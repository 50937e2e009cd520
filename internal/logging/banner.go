package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	cyan    = "\033[36m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	magenta = "\033[35m"
	dim     = "\033[2m"
)

var logoLines = [6]string{
	`  ____ _           _ __        __    _       _     _   `,
	` / ___| |__   __ _| |\ \      / / __(_) __ _| |__ | |_ `,
	`| |   | '_ \ / _` + "`" + ` | __\ \ /\ / / '__| |/ _` + "`" + ` | '_ \| __|`,
	`| |___| | | | (_| | |_ \ V  V /| |  | | (_| | | | | |_ `,
	` \____|_| |_|\__,_|\__| \_/\_/ |_|  |_|\__, |_| |_|\__|`,
	`                                       |___/           `,
}

// PrintBanner prints the ChatWright ASCII logo followed by the process
// mode, version and listen address. Colors are used only when stderr is
// a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var modeColor string
	switch mode {
	case "gateway":
		modeColor = green
	case "orchestrator":
		modeColor = magenta
	case "worker":
		modeColor = yellow
	default: // standalone
		modeColor = cyan
	}

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, logoLines[i], reset)
		} else {
			fmt.Fprintln(os.Stderr, logoLines[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "  %s%s%s   %sversion%s %s   %saddr%s %s\n\n",
			bold+modeColor, mode, reset, dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "  %s   version %s   addr %s\n\n", mode, ver, addr)
	}
}
