package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/imxstore/imx"
)

type rootParameters struct {
	StorageRoot string `short:"r" long:"root" description:"Storage root directory" required:"true"`
	RAMSectors  int    `long:"ram-sectors" description:"Number of RAM sectors" default:"256"`
	SectorSize  int    `long:"sector-size" description:"RAM sector size in bytes" default:"32"`

	SensorID        uint32 `short:"s" long:"sensor" description:"Sensor id to inspect"`
	ForceTick       bool   `short:"t" long:"tick" description:"Force one tiered-controller tick before reporting"`
	ListQuarantined bool   `short:"q" long:"quarantined" description:"List quarantined files"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	eng, err := imx.New(imx.Config{
		RAMSectors:  rootArguments.RAMSectors,
		SectorSize:  rootArguments.SectorSize,
		StorageRoot: rootArguments.StorageRoot,
	})
	log.PanicIf(err)

	if rootArguments.ForceTick {
		err = eng.Tick(time.Now())
		log.PanicIf(err)
	}

	st := eng.Statistics()
	fmt.Printf("%s\n", st)

	report := eng.LastRecoveryReport()
	fmt.Printf("recovery: %s files scanned, %s quarantined, %s files attached, %s records recovered\n",
		humanize.Comma(int64(report.FilesScanned)),
		humanize.Comma(int64(report.FilesQuarantined)),
		humanize.Comma(int64(report.ChainsAttached)),
		humanize.Comma(int64(report.RecordsRecovered)))

	if rootArguments.ListQuarantined {
		names, err := eng.QuarantinedFiles()
		log.PanicIf(err)
		for _, name := range names {
			fmt.Printf("quarantined: %s\n", name)
		}
	}

	if rootArguments.SensorID != 0 {
		length := eng.ChainLength(rootArguments.SensorID)
		fmt.Printf("sensor %d: length=%s head=%s tail=%s\n",
			rootArguments.SensorID,
			humanize.Comma(int64(length)),
			eng.ChainHead(rootArguments.SensorID),
			eng.ChainTail(rootArguments.SensorID))
	}

	err = eng.Shutdown(false)
	log.PanicIf(err)
}
