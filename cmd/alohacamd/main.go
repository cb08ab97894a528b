package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/lanikai/alohacam"
	"github.com/lanikai/alohacam/internal/camera"
	"github.com/lanikai/alohacam/internal/logging"
	"github.com/lanikai/alohacam/internal/notify"
	"github.com/lanikai/alohacam/internal/sim"
)

var log = logging.DefaultLogger.WithTag("alohacamd")

// Populated via -ldflags="-X main.GitRevisionId=...".
var GitRevisionId string

// version displays information and exits successfully (GNU convention)
func version() {
	fmt.Println("alohacamd", GitRevisionId)
	fmt.Println("Copyright 2019 Lanikai Labs LLC. All rights reserved.")
	fmt.Println("Visit https://lanikailabs.com for more information")
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}

	if err := run(); err != nil && err != context.Canceled {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop on SIGINT or SIGTERM
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			log.Info("received %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if flagOutput != "" {
		if err := os.MkdirAll(flagOutput, 0755); err != nil {
			return err
		}
	}

	var saved uint32
	cam, err := alohacam.Open(alohacam.Config{
		Service:       sim.NewService(sim.Config{}),
		Allocator:     sim.NewAllocator(),
		Encoder:       sim.NewEncoder(sim.EncoderConfig{}),
		PictureSize:   camera.Dim{Width: flagWidth, Height: flagHeight},
		ThumbnailSize: camera.Dim{Width: flagWidth / 8, Height: flagHeight / 8},
		Rotation:      camera.Rotation(flagRotation),
		Quality:       flagQuality,
		Reprocess:     flagReprocess,
		RawPictures:   flagRaw,
		Callbacks: notify.Callbacks{
			Notify: func(msg notify.MsgType, ext1, ext2 int32) {
				log.Debug("%s (%d, %d)", msg, ext1, ext2)
			},
			Data: func(msg notify.MsgType, data []byte, index int, metadata []byte) {
				if msg != notify.MsgCompressedImage && msg != notify.MsgRawImage {
					return
				}
				n := atomic.AddUint32(&saved, 1)
				fmt.Printf("%s #%d: %d bytes\n", msg, n, len(data))
				if flagOutput == "" {
					return
				}
				ext := "jpg"
				if msg == notify.MsgRawImage {
					ext = "yuv"
				}
				name := filepath.Join(flagOutput, fmt.Sprintf("picture-%04d.%s", n, ext))
				if err := ioutil.WriteFile(name, data, 0644); err != nil {
					log.Warn("%v", err)
				}
			},
		},
	})
	if err != nil {
		return err
	}
	defer cam.Close()

	g, gctx := errgroup.WithContext(ctx)

	if flagListen != "" {
		server := &http.Server{
			Addr:    flagListen,
			Handler: newEventsHandler(cam.Events()),
		}
		g.Go(func() error {
			log.Info("serving events on ws://%s/events", flagListen)
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return server.Shutdown(context.Background())
		})
	}

	g.Go(func() error {
		if err := cam.StartPreview(); err != nil {
			return err
		}
		for {
			if err := takePicture(gctx, cam); err != nil {
				return err
			}
			if flagListen == "" {
				// One burst, then exit.
				cancel()
				return nil
			}
			select {
			case <-time.After(flagInterval):
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	return g.Wait()
}

func takePicture(ctx context.Context, cam *alohacam.Camera) error {
	request, err := cam.TakePicture(flagBurst)
	if err != nil {
		return err
	}
	defer cam.CancelPicture()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(flagBurst)*10*time.Second)
	defer cancel()
	if err := cam.WaitSnapshotDone(ctx); err != nil {
		return err
	}
	log.Info("picture %s done", request)
	return nil
}
