/*
 * Copyright 2024-2025 Provenant Labs, Inc.
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

	migrate "github.com/golang-migrate/migrate"
	"github.com/golang-migrate/migrate/database/postgres"
	_ "github.com/golang-migrate/migrate/source/file"
	dbconf "github.com/kthomas/go-db-config"

	"github.com/provenant-ai/provenant/common"
)

func main() {
	cfg := dbconf.GetDBConfig()

	db := dbconf.DatabaseConnection()
	driver, err := postgres.WithInstance(db.DB(), &postgres.Config{})
	if err != nil {
		common.Log.Warningf("failed to initialize postgres migration driver; %s", err.Error())
		os.Exit(1)
	}

	migrationsPath := os.Getenv("DATABASE_MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "./ops/migrations"
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", migrationsPath), cfg.DatabaseName, driver)
	if err != nil {
		common.Log.Warningf("failed to initialize migrations; %s", err.Error())
		os.Exit(1)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		common.Log.Warningf("failed to run migrations; %s", err.Error())
		os.Exit(1)
	}

	common.Log.Debug("migrations up to date")
}
