// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/elastic/apm-transaction-rollup/app"
)

func main() {
	if err := mainWithError(); err != nil {
		log.Fatal(err)
	}
}

func mainWithError() error {
	// Global context
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	appConfigs := []app.ConfigOption{
		app.WithLogLevel(os.Getenv("APM_ROLLUP_LOG_LEVEL")),
	}

	// APM_ROLLUP_DOTENV names a dotenv file whose variables are loaded
	// before the configuration is read.
	if path := os.Getenv("APM_ROLLUP_DOTENV"); path != "" {
		appConfigs = append(appConfigs, app.WithDotenv(path))
	}

	application, err := app.New(ctx, appConfigs...)
	if err != nil {
		return fmt.Errorf("failed to create the app: %v", err)
	}

	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("error while running: %v", err)
	}

	return nil
}
