/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate"
	_ "github.com/golang-migrate/migrate/database/postgres"
	_ "github.com/golang-migrate/migrate/source/file"

	"github.com/provideplatform/faucet/common"
)

const defaultMigrationsPath = "./ops/migrations"

func main() {
	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = defaultMigrationsPath
	}

	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL())
	if err != nil {
		common.Log.Panicf("failed to initialize database migrations; %s", err.Error())
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		common.Log.Panicf("failed to run database migrations; %s", err.Error())
	}

	common.Log.Debug("database migrations complete")
}

func databaseURL() string {
	if os.Getenv("DATABASE_URL") != "" {
		return os.Getenv("DATABASE_URL")
	}

	user := os.Getenv("DATABASE_USER")
	common.PanicIfEmpty(user, "DATABASE_USER is required")

	password := os.Getenv("DATABASE_PASSWORD")

	host := os.Getenv("DATABASE_HOST")
	common.PanicIfEmpty(host, "DATABASE_HOST is required")

	port := os.Getenv("DATABASE_PORT")
	if port == "" {
		port = "5432"
	}

	name := os.Getenv("DATABASE_NAME")
	common.PanicIfEmpty(name, "DATABASE_NAME is required")

	sslMode := os.Getenv("DATABASE_SSL_MODE")
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslMode)
}
