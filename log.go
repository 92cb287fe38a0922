package main

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog"

	"github.com/stephensong/offst/freeze"
	"github.com/stephensong/offst/funder"
	"github.com/stephensong/offst/funderdb"
	"github.com/stephensong/offst/fwire"
	"github.com/stephensong/offst/identity"
	"github.com/stephensong/offst/keepalive"
	"github.com/stephensong/offst/overwrite"
	"github.com/stephensong/offst/routing"
	"github.com/stephensong/offst/tokenchannel"
)

// Subsystem loggers. Each subsystem can have its verbosity adjusted
// independently through the debuglevel option.
var (
	backendLog = btclog.NewBackend(os.Stdout)

	srvrLog = backendLog.Logger("SRVR")
	peerLog = backendLog.Logger("PEER")
	fndrLog = backendLog.Logger("FNDR")
	fwirLog = backendLog.Logger("FWIR")
	tchnLog = backendLog.Logger("TCHN")
	frzeLog = backendLog.Logger("FRZE")
	rtngLog = backendLog.Logger("RTNG")
	idntLog = backendLog.Logger("IDNT")
	kplvLog = backendLog.Logger("KPLV")
	ovrwLog = backendLog.Logger("OVRW")
	fndbLog = backendLog.Logger("FNDB")

	subsystemLoggers = map[string]btclog.Logger{
		"SRVR": srvrLog,
		"PEER": peerLog,
		"FNDR": fndrLog,
		"FWIR": fwirLog,
		"TCHN": tchnLog,
		"FRZE": frzeLog,
		"RTNG": rtngLog,
		"IDNT": idntLog,
		"KPLV": kplvLog,
		"OVRW": ovrwLog,
		"FNDB": fndbLog,
	}
)

func init() {
	funder.UseLogger(fndrLog)
	fwire.UseLogger(fwirLog)
	tokenchannel.UseLogger(tchnLog)
	freeze.UseLogger(frzeLog)
	routing.UseLogger(rtngLog)
	identity.UseLogger(idntLog)
	keepalive.UseLogger(kplvLog)
	overwrite.UseLogger(ovrwLog)
	funderdb.UseLogger(fndbLog)
}

// setLogLevels sets the log level for all subsystem loggers.
func setLogLevels(levelStr string) error {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		return fmt.Errorf("unknown log level %q", levelStr)
	}

	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}

	return nil
}
