package main

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/integrii/flaggy"
	"github.com/jesseduffield/yaml"

	"github.com/flecs-technologies/flecsd/pkg/app"
	"github.com/flecs-technologies/flecsd/pkg/config"
	"github.com/flecs-technologies/flecsd/pkg/version"
)

const DEFAULT_VERSION = "unversioned"

var (
	commit       string
	buildVersion = DEFAULT_VERSION
	date         string
	buildSource  = "unknown"

	printConfigFlag = false
	debuggingFlag   = false
	baseDirFlag     = ""
	listenFlag      = ""
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf(
		"%s\nDate: %s\nBuildSource: %s\nCommit: %s\nOS: %s\nArch: %s",
		buildVersion,
		date,
		buildSource,
		commit,
		runtime.GOOS,
		runtime.GOARCH,
	)

	flaggy.SetName("flecsd")
	flaggy.SetDescription("The FLECS device daemon")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://flecs.tech"

	flaggy.Bool(&printConfigFlag, "c", "print-config", "Print the effective config and exit")
	flaggy.Bool(&debuggingFlag, "d", "debug", "Run with a debug log file")
	flaggy.String(&baseDirFlag, "b", "base-dir", "Override the state base directory")
	flaggy.String(&listenFlag, "l", "listen", "Override the HTTP listen address")

	flaggy.SetVersion(info)
	flaggy.Parse()

	appConfig, err := config.NewAppConfig("flecsd", buildVersion, commit, date, buildSource, debuggingFlag, baseDirFlag)
	if err != nil {
		log.Fatal(err.Error())
	}
	if listenFlag != "" {
		appConfig.UserConfig.Listen = listenFlag
	}
	version.Core = buildVersion

	if printConfigFlag {
		var configBytes []byte
		if configBytes, err = yaml.Marshal(appConfig.UserConfig); err != nil {
			log.Fatal(err.Error())
		}
		fmt.Printf("%s\n", string(configBytes))
		os.Exit(0)
	}

	daemon, err := app.NewApp(appConfig)
	if err != nil {
		log.Fatal(err.Error())
	}

	if err := daemon.Run(); err != nil {
		log.Fatal(err.Error())
	}
}

func updateBuildInfo() {
	// if the version has already been set by the build flags then we'll use
	// that. Otherwise we'll set it to the go module version
	if buildVersion != DEFAULT_VERSION {
		return
	}

	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if buildInfo.Main.Version != "(devel)" && buildInfo.Main.Version != "" {
		buildVersion = buildInfo.Main.Version
	}

	for _, setting := range buildInfo.Settings {
		if setting.Key == "vcs.revision" && commit == "" {
			commit = setting.Value
		}
		if setting.Key == "vcs.time" && date == "" {
			date = setting.Value
		}
	}
}
