// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Webserv origin server. One process, one thread, one readiness loop.

package main

import (
	"fmt"
	"os"

	"github.com/hexinfra/webserv/webserv"
)

func usage(program string) {
	fmt.Printf("Usage: %s [configuration_file]\n", program)
	fmt.Printf("  configuration_file: Path to server configuration file (optional)\n")
	fmt.Printf("                     Default: ./config/default.conf\n")
}

func main() {
	configFile := "./config/default.conf"

	if len(os.Args) > 2 {
		usage(os.Args[0])
		os.Exit(1)
	}
	if len(os.Args) == 2 {
		configFile = os.Args[1]
	}

	webserv.SetLogLevel(webserv.LevelDebug)

	webserv.Infof("=== Webserv HTTP Server ===")
	webserv.Infof("Version: %s", webserv.Version)
	webserv.Infof("Configuration file: %s", configFile)

	config, err := webserv.LoadConfig(configFile)
	if err != nil {
		webserv.Errorf("Server error: %v", err)
		os.Exit(1)
	}

	server := webserv.NewServer(config)
	if err := server.Start(); err != nil {
		webserv.Errorf("Server error: %v", err)
		os.Exit(1)
	}
	server.Run()

	webserv.Infof("Server shutdown complete")
}
