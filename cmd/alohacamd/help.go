package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagBurst     int
	flagWidth     int
	flagHeight    int
	flagRotation  int
	flagQuality   int
	flagReprocess bool
	flagRaw       bool
	flagOutput    string
	flagListen    string
	flagInterval  time.Duration
	flagHelp      bool
	flagVersion   bool
)

func init() {
	flag.IntVarP(&flagBurst, "burst", "n", 1, "Pictures per request")
	flag.IntVarP(&flagWidth, "width", "x", 1280, "Picture width")
	flag.IntVarP(&flagHeight, "height", "y", 960, "Picture height")
	flag.IntVarP(&flagRotation, "rotation", "r", 0, "Clockwise rotation, in degrees")
	flag.IntVarP(&flagQuality, "quality", "q", 85, "JPEG quality")
	flag.BoolVarP(&flagReprocess, "reprocess", "", false, "Reprocess snapshots before encoding")
	flag.BoolVarP(&flagRaw, "raw", "", false, "Deliver raw pictures instead of JPEG")
	flag.StringVarP(&flagOutput, "output", "o", "", "Directory for captured pictures")
	flag.StringVarP(&flagListen, "listen", "l", "", "Serve events over websocket at this address")
	flag.DurationVarP(&flagInterval, "interval", "t", 5*time.Second, "Time between requests when serving")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Still capture and post-processing for connected cameras

Usage: alohacamd [OPTION]...

Capture:
  -n, --burst=NUM        Pictures per request (default: 1)
  -x, --width=NUM        Set picture width (default: 1280)
  -y, --height=NUM       Set picture height (default: 960)
  -r, --rotation=DEG     Rotate pictures clockwise by 0, 90, 180 or 270
  -q, --quality=NUM      JPEG quality (default: 85)
      --reprocess        Run snapshots through a reprocess pass
      --raw              Deliver raw pictures instead of JPEG
  -o, --output=DIR       Write pictures to DIR

Events:
  -l, --listen=ADDR      Serve events at ws://ADDR/events and capture
                         repeatedly until interrupted
  -t, --interval=DUR     Time between requests (default: 5s)

Miscellaneous:
  -h, --help             Prints this help message and exits
  -v, --version          Prints version information and exits

Please report bugs to: aloha@lanikailabs.com`

// Help information is printed and program exits
func help() {
	r := color.New(color.FgRed)
	y := color.New(color.FgYellow)
	b := color.New(color.FgCyan)

	//         _         _
	//   __ _ | |  ___  | |__    __ _   ___  __ _  _ __ ___
	//  / _` || | / _ \ | '_ \  / _` | / __|/ _` || '_ ` _ \
	// | (_| || || (_) || | | || (_| || (__| (_| || | | | | |
	//  \__,_||_| \___/ |_| |_| \__,_| \___|\__,_||_| |_| |_|

	// Line 1
	r.Printf("        ")
	y.Printf(" _ ")
	b.Printf("       ")
	y.Printf(" _     ")
	r.Printf("       ")
	b.Printf("      ")
	r.Printf("       ")
	y.Println("           ")

	// Line 2
	r.Printf("   __ _ ")
	y.Printf("| |")
	b.Printf("  ___  ")
	y.Printf("| |__  ")
	r.Printf("  __ _ ")
	b.Printf("  ___ ")
	r.Printf(" __ _ ")
	y.Println(" _ __ ___  ")

	// Line 3
	r.Printf("  / _` |")
	y.Printf("| |")
	b.Printf(" / _ \\ ")
	y.Printf("| '_ \\ ")
	r.Printf(" / _` |")
	b.Printf(" / __|")
	r.Printf("/ _` |")
	y.Println("| '_ ` _ \\ ")

	// Line 4
	r.Printf(" | (_| |")
	y.Printf("| |")
	b.Printf("| (_) |")
	y.Printf("| | | |")
	r.Printf("| (_| |")
	b.Printf("| (__")
	r.Printf("| (_| |")
	y.Println("| | | | | |")

	// Line 5
	r.Printf("  \\__,_|")
	y.Printf("|_|")
	b.Printf(" \\___/ ")
	y.Printf("|_| |_|")
	r.Printf(" \\__,_|")
	b.Printf(" \\___|")
	r.Printf("\\__,_|")
	y.Println("|_| |_| |_|")

	fmt.Println(helpString)
}
