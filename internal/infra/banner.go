package infra

import (
	"fmt"
	"os"
)

// ANSI Color Codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

// PrintBanner writes the startup banner to stderr; stdout belongs to the
// ladder stream.
func PrintBanner(cfg *Config) {
	color := ColorGreen
	switch cfg.Feed.Exchange {
	case ExchangeBinance, ExchangeBinanceFutures:
		color = ColorYellow
	case ExchangeMexc, ExchangeMexcJSON:
		color = ColorCyan
	}

	w := os.Stderr
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s###########################################################%s\n", color, ColorReset)
	fmt.Fprintf(w, "%s#                                                         #%s\n", color, ColorReset)
	fmt.Fprintf(w, "%s#                 📈 bookfeed depth stream                #%s\n", color, ColorReset)
	fmt.Fprintf(w, "%s#                                                         #%s\n", color, ColorReset)
	fmt.Fprintf(w, "%s#   EXCHANGE: %-35s #%s\n", color, cfg.Feed.Exchange, ColorReset)
	fmt.Fprintf(w, "%s#   SYMBOL:   %-35s #%s\n", color, cfg.Feed.Symbol, ColorReset)
	fmt.Fprintf(w, "%s#   VERSION:  %-35s #%s\n", color, cfg.App.Version, ColorReset)
	fmt.Fprintf(w, "%s#                                                         #%s\n", color, ColorReset)
	fmt.Fprintf(w, "%s###########################################################%s\n", color, ColorReset)
	fmt.Fprintln(w)
}
