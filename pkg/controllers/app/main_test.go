/*
Copyright 2026 KiloClaw.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package app_test

import (
	"context"
	"flag"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

var testLog = logr.Discard()

func TestMain(m *testing.M) {
	var debug bool

	flag.BoolVar(&debug, "debug", false, "Enables debug logging")
	flag.Parse()

	if debug {
		testLog = zapr.NewLogger(zap.Must(zap.NewDevelopment(zap.AddStacktrace(zap.DPanicLevel))))
	}

	m.Run()
}

// testContext returns a context carrying the suite logger, so -debug makes
// the code under test chatty.
func testContext() context.Context {
	return logr.NewContext(context.Background(), testLog)
}
