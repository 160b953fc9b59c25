// Copyright 2023 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command update-toml-version marks the version in a pyproject.toml file as a local build of
// the current user, e.g. 1.2.3 becomes 1.2.3+alice.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/GoogleCloudPlatform/vertex-pipelines-ops/packages/envkeys"
	"github.com/GoogleCloudPlatform/vertex-pipelines-ops/packages/pyproject"
	"github.com/urfave/cli"
)

func main() {
	if err := newApp().Run(flagsFirst(os.Args)); err != nil {
		fmt.Fprintf(os.Stderr, "err: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "update-toml-version"
	app.Usage = "append the user name to the version in a TOML file"
	app.ArgsUsage = "TOML_FILE"
	app.HideVersion = true
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "user",
			Usage:  "local version label",
			EnvVar: envkeys.UserEnvKey,
		},
		cli.StringFlag{
			Name:  "section",
			Value: pyproject.DefaultSection,
			Usage: "table holding the version field",
		},
	}
	app.Action = func(c *cli.Context) error {
		path := c.Args().First()
		if path == "" {
			return errors.New("TOML file path cannot be empty")
		}
		user := strings.TrimSpace(c.String("user"))
		if user == "" {
			return fmt.Errorf("the %s environment variable is not set", envkeys.UserEnvKey)
		}

		f, err := pyproject.Load(path, c.String("section"))
		if err != nil {
			return err
		}
		current, err := f.Version()
		if errors.Is(err, pyproject.ErrVersionNotFound) {
			fmt.Fprintf(c.App.Writer, "Warning: 'version' field not found in %s\n", path)
			return nil
		}
		if err != nil {
			return err
		}
		next, err := pyproject.LocalVersion(current, user)
		if errors.Is(err, pyproject.ErrInvalidVersion) {
			fmt.Fprintf(c.App.Writer, "Warning: invalid version format %q in %s\n", current, path)
			return nil
		}
		if err != nil {
			return err
		}
		if err := f.SetVersion(next); err != nil {
			return err
		}
		if err := f.Save(); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "Updated version in %s: %s -> %s\n", path, current, next)
		return nil
	}
	return app
}

// flagsFirst moves the TOML file argument behind the flags so both "FILE --part minor" and
// "--part minor FILE" parse. Every flag of this command takes a value.
func flagsFirst(args []string) []string {
	if len(args) == 0 {
		return args
	}
	flags := []string{args[0]}
	var positional []string
	for i := 1; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			positional = append(positional, args[i+1:]...)
			i = len(args)
		case strings.HasPrefix(arg, "-"):
			flags = append(flags, arg)
			if !strings.Contains(arg, "=") && i+1 < len(args) && arg != "-h" && arg != "--help" {
				i++
				flags = append(flags, args[i])
			}
		default:
			positional = append(positional, arg)
		}
	}
	if len(positional) == 0 {
		return flags
	}
	return append(append(flags, "--"), positional...)
}
