// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"runtime"

	ttnlog "github.com/TheThingsNetwork/go-utils/log"
	"github.com/apex/log"
	"github.com/spf13/cobra"
)

var ctx *log.Logger

var logFile *os.File

// Execute is called by main.go
func Execute() {
	defer func() {
		if thePanic := recover(); thePanic != nil {
			if ctx == nil {
				panic(thePanic)
			}
			stack := make([]byte, 1<<16)
			stack = stack[:runtime.Stack(stack, false)]
			ttnlog.Get().WithField("panic", thePanic).WithField("stack", string(stack)).Fatal("Stopping because of panic")
		}
	}()

	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.AddCommand(ConfigCmd)
}
