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
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/whep/pkg/errors"
	"github.com/livekit/whep/pkg/whepserver"
	"github.com/livekit/whep/version"
)

const defaultPort = 8080

func main() {
	cmd := &cli.Command{
		Name:        "whep-server",
		Usage:       "loopback WHEP server",
		Version:     version.Version,
		Description: "serves a generated VP8 and Opus stream over WHEP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "WHEP server yaml config file",
				Sources: cli.EnvVars("WHEP_SERVER_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:  "port",
				Usage: "HTTP port, overrides the config",
			},
			&cli.StringFlag{
				Name:  "reject-status",
				Usage: "answer every offer with this HTTP status",
			},
			&cli.BoolFlag{
				Name:  "loopback",
				Usage: "include loopback ICE candidates",
			},
		},
		Action: runServer,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServer(_ context.Context, c *cli.Command) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	logger.InitFromConfig(&conf.Logging, "whep-server")

	s, err := whepserver.NewWHEPServer(conf)
	if err != nil {
		return err
	}
	if err = s.Start(); err != nil {
		return err
	}
	logger.Infow("WHEP server listening", "addr", s.Addr().String())

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-killChan
	logger.Infow("exit requested, shutting down", "signal", sig, "sessions", s.SessionCount())
	s.Stop()

	return nil
}

func getConfig(c *cli.Command) (*whepserver.Config, error) {
	conf := &whepserver.Config{
		Port: defaultPort,
		Logging: logger.Config{
			Level: "info",
		},
	}

	if configFile := c.String("config"); configFile != "" {
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		if err = yaml.Unmarshal(content, conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}

	if port := c.String("port"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
		conf.Port = p
	}
	if status := c.String("reject-status"); status != "" {
		s, err := strconv.Atoi(status)
		if err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
		conf.RejectStatus = s
	}
	if c.Bool("loopback") {
		conf.EnableLoopbackCandidate = true
	}

	return conf, nil
}
