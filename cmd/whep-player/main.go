// Copyright 2026 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/whep/pkg/config"
	"github.com/livekit/whep/pkg/engine"
	"github.com/livekit/whep/pkg/errors"
	"github.com/livekit/whep/pkg/player"
	"github.com/livekit/whep/pkg/sink"
	"github.com/livekit/whep/pkg/stats"
	"github.com/livekit/whep/pkg/types"
	"github.com/livekit/whep/version"
)

const statsInterval = 5 * time.Second

func main() {
	cmd := &cli.Command{
		Name:        "whep-player",
		Usage:       "LiveKit WHEP player",
		Version:     version.Version,
		Description: "plays a WHEP stream and reports received frames",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "WHEP player yaml config file",
				Sources: cli.EnvVars("WHEP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "WHEP player yaml config body",
				Sources: cli.EnvVars("WHEP_CONFIG_BODY"),
			},
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "WHEP endpoint URL, overrides the config",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "bearer token, overrides the config",
			},
			&cli.DurationFlag{
				Name:  "duration",
				Usage: "stop playing after this duration, 0 plays until interrupted",
			},
		},
		Action: runPlayer,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runPlayer(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	monitor := stats.NewMonitor()
	if err = monitor.Start(conf); err != nil {
		return err
	}
	defer monitor.Stop()
	setupPrometheus(conf, monitor)

	e := engine.New(conf)
	if err = e.Initialize(); err != nil {
		return err
	}
	defer e.Dispose()

	p := player.New(conf, e, monitor)
	counter := sink.NewFrameCounter(logger.GetLogger())
	defer counter.Close()
	p.AddVideoSink(counter)
	p.AddAudioSink(counter)

	failed := make(chan struct{}, 1)
	p.OnStateChange(func(state types.PlayerState) {
		logger.Infow("player state changed", "state", state)
		if state == types.PlayerError {
			select {
			case failed <- struct{}{}:
			default:
			}
		}
	})

	if err = p.Play(); err != nil {
		return err
	}
	defer p.Stop()

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, syscall.SIGINT, syscall.SIGTERM)

	var timeout <-chan time.Time
	if d := c.Duration("duration"); d > 0 {
		timeout = time.After(d)
	}

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logger.Infow("playback stats",
				"state", p.State(),
				"videoFrames", counter.VideoFrames(),
				"videoBytes", counter.VideoBytes(),
				"audioFrames", counter.AudioFrames(),
				"audioBytes", counter.AudioBytes(),
			)
		case <-failed:
			return p.Err()
		case sig := <-killChan:
			logger.Infow("exit requested, stopping playback", "signal", sig)
			return nil
		case <-timeout:
			logger.Infow("playback finished",
				"videoFrames", counter.VideoFrames(),
				"audioFrames", counter.AudioFrames(),
			)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func setupPrometheus(conf *config.Config, monitor *stats.Monitor) {
	if conf.PrometheusPort == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(monitor.Gatherer(), promhttp.HandlerOpts{}))

	go func() {
		_ = http.ListenAndServe(fmt.Sprintf(":%d", conf.PrometheusPort), mux)
	}()
}

func getConfig(c *cli.Command) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" && configFile != "" {
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	endpoint, token := c.String("endpoint"), c.String("token")
	if configBody == "" && endpoint == "" && os.Getenv("WHEP_ENDPOINT") == "" {
		return nil, errors.ErrNoConfig
	}

	return config.NewConfig(configBody, func(conf *config.Config) {
		if endpoint != "" {
			conf.Endpoint = endpoint
		}
		if token != "" {
			conf.BearerToken = token
		}
	})
}
