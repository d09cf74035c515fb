// Command gbcli is a subcommand-based front end for the emulator core: run
// (windowed, ebiten), headless (run N frames and report a checksum/fps, no
// display), and bench (headless with no I/O, for throughput measurement).
package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cespare/xxhash"
	"github.com/urfave/cli"

	"github.com/mattgale/gbcore/internal/cart"
	"github.com/mattgale/gbcore/internal/debug/inspector"
	"github.com/mattgale/gbcore/internal/emu"
	"github.com/mattgale/gbcore/internal/frontend/ebitendisplay"
	"github.com/mattgale/gbcore/internal/frontend/termdisplay"
)

func main() {
	app := cli.NewApp()
	app.Name = "gbcli"
	app.Usage = "gbcli <command> --rom game.gb"
	app.Version = "0.1.0"

	romFlag := cli.StringFlag{Name: "rom", Usage: "path to ROM (.gb/.gbc)"}
	bootFlag := cli.StringFlag{Name: "bootrom", Usage: "optional boot ROM overlay"}
	saveFlag := cli.BoolFlag{Name: "save", Usage: "persist/reload battery RAM next to the ROM"}

	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "run the emulator in an ebiten window",
			Flags: []cli.Flag{
				romFlag, bootFlag, saveFlag,
				cli.IntFlag{Name: "scale", Value: 3, Usage: "window scale"},
				cli.StringFlag{Name: "title", Value: "gbcli", Usage: "window title"},
				cli.BoolFlag{Name: "term", Usage: "use the terminal display instead of a window"},
				cli.StringFlag{Name: "inspect", Usage: "serve a read-only WebSocket state stream at this address (e.g. 127.0.0.1:6060)"},
			},
			Action: runWindowed,
		},
		{
			Name:  "headless",
			Usage: "step N frames with no display and report a framebuffer checksum",
			Flags: []cli.Flag{
				romFlag, bootFlag, saveFlag,
				cli.IntFlag{Name: "frames", Value: 300, Usage: "frames to run"},
			},
			Action: runHeadless,
		},
		{
			Name:  "bench",
			Usage: "measure CPU/PPU throughput with no I/O beyond a final report",
			Flags: []cli.Flag{
				romFlag, bootFlag,
				cli.IntFlag{Name: "frames", Value: 6000, Usage: "frames to run"},
			},
			Action: runBench,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadMachine(c *cli.Context) (*emu.Machine, string, error) {
	romPath := c.String("rom")
	if romPath == "" {
		return nil, "", fmt.Errorf("missing --rom")
	}
	boot, err := readOptional(c.String("bootrom"))
	if err != nil {
		return nil, "", err
	}

	m := emu.New(emu.Config{})
	if len(boot) > 0 {
		m.SetBootROM(boot)
	}
	if err := m.LoadROMFromFile(romPath); err != nil {
		return nil, "", fmt.Errorf("load %s: %w", romPath, err)
	}
	if h := m.ROMTitle(); h != "" {
		log.Printf("loaded %q", h)
	}

	savePath := ""
	if c.Bool("save") {
		savePath = emu.DefaultSaveSuffix(romPath)
		if data, err := os.ReadFile(savePath); err == nil {
			if m.LoadBattery(data) {
				log.Printf("loaded save RAM: %s (%d bytes)", savePath, len(data))
			}
		}
	}
	return m, savePath, nil
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(path)
}

func persistBattery(m *emu.Machine, savePath string) {
	if savePath == "" {
		return
	}
	if data, ok := m.SaveBattery(); ok {
		if err := os.WriteFile(savePath, data, 0o644); err != nil {
			log.Printf("save RAM write failed: %v", err)
			return
		}
		log.Printf("wrote %s", savePath)
	}
}

func runWindowed(c *cli.Context) error {
	m, savePath, err := loadMachine(c)
	if err != nil {
		return err
	}
	defer persistBattery(m, savePath)

	var insp *inspector.Server
	if addr := c.String("inspect"); addr != "" {
		insp = inspector.New(m)
		go func() {
			if err := insp.ListenAndServe(addr); err != nil {
				log.Printf("inspector server stopped: %v", err)
			}
		}()
		log.Printf("inspector listening at ws://%s/ws", addr)
	}

	if c.Bool("term") {
		disp, err := termdisplay.New()
		if err != nil {
			return err
		}
		defer disp.Close()
		for !disp.Quit() {
			m.SetButtons(disp.PollInput())
			m.StepFrame()
			if insp != nil {
				insp.Publish()
			}
			disp.Draw(m.Framebuffer(), m.Status())
			if err := m.LastError(); err != nil {
				disp.Draw(m.Framebuffer(), fmt.Sprintf("halted: %v", err))
				time.Sleep(2 * time.Second)
				return err
			}
		}
		return nil
	}

	game := ebitendisplay.New(m, c.Int("scale"), c.String("title"))
	return ebitendisplay.Run(game)
}

func runHeadless(c *cli.Context) error {
	m, savePath, err := loadMachine(c)
	if err != nil {
		return err
	}
	defer persistBattery(m, savePath)

	frames := c.Int("frames")
	if frames <= 0 {
		frames = 1
	}

	start := time.Now()
	for i := 0; i < frames; i++ {
		m.StepFrameNoRender()
		if err := m.LastError(); err != nil {
			return fmt.Errorf("halted after %d frames: %w", i, err)
		}
	}
	elapsed := time.Since(start)

	sum := xxhash.Sum64(m.Framebuffer())
	fps := float64(frames) / elapsed.Seconds()
	log.Printf("headless: frames=%d elapsed=%s fps=%.1f fb_xxhash=%016x",
		frames, elapsed.Truncate(time.Millisecond), fps, sum)
	return nil
}

func runBench(c *cli.Context) error {
	romPath := c.String("rom")
	if romPath == "" {
		return fmt.Errorf("missing --rom")
	}
	rom, err := os.ReadFile(romPath)
	if err != nil {
		return err
	}
	boot, err := readOptional(c.String("bootrom"))
	if err != nil {
		return err
	}
	if h, err := cart.ParseHeader(rom); err == nil {
		log.Printf("bench: %q type=%s banks=%d", strings.TrimRight(h.Title, "\x00"), h.CartTypeStr, h.ROMBanks)
	}

	m := emu.New(emu.Config{})
	if err := m.LoadCartridge(rom, boot); err != nil {
		return err
	}

	frames := c.Int("frames")
	start := time.Now()
	for i := 0; i < frames; i++ {
		m.StepFrameNoRender()
		if err := m.LastError(); err != nil {
			return fmt.Errorf("halted after %d frames: %w", i, err)
		}
	}
	elapsed := time.Since(start)
	log.Printf("bench: frames=%d elapsed=%s fps=%.1f", frames, elapsed.Truncate(time.Millisecond), float64(frames)/elapsed.Seconds())
	return nil
}
