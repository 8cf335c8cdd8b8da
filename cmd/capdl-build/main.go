/*
 * capdl - Command line entry point.
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	getopt "github.com/pborman/getopt/v2"
	"github.com/spf13/afero"

	"github.com/rcornwell/capdl/capdl/bootemu"
	"github.com/rcornwell/capdl/capdl/buildloop"
	"github.com/rcornwell/capdl/capdl/elfimage"
	"github.com/rcornwell/capdl/capdl/graph"
	"github.com/rcornwell/capdl/capdl/packager"
	"github.com/rcornwell/capdl/capdl/paging"
	"github.com/rcornwell/capdl/config/sysdesc"
	"github.com/rcornwell/capdl/internal/logging"
	"github.com/rcornwell/capdl/internal/report"
)

var Logger *slog.Logger

// archProfile bundles the per-architecture constants buildloop.Config
// needs, mirroring the way the original tool keys everything off one
// target-architecture switch.
type archProfile struct {
	layout          paging.Layout
	capAddressBits  int
	x86             bool
	supportsTrusted bool
	rootserver      bootemu.RootserverConfig
}

func profileFor(arch sysdesc.Arch) (archProfile, error) {
	switch arch {
	case sysdesc.ArchAArch64:
		return archProfile{
			layout:          paging.AArch64,
			capAddressBits:  64,
			supportsTrusted: true,
			rootserver:      bootemu.DefaultRootserverConfig(19),
		}, nil
	case sysdesc.ArchRISCV64:
		return archProfile{
			layout:          paging.RISCV64,
			capAddressBits:  64,
			rootserver:      bootemu.DefaultRootserverConfig(19),
		}, nil
	case sysdesc.ArchX86_64:
		return archProfile{
			layout:         paging.X86_64,
			capAddressBits: 64,
			x86:            true,
		}, nil
	default:
		return archProfile{}, fmt.Errorf("capdl-build: unsupported architecture %v", arch)
	}
}

func main() {
	optSystem := getopt.StringLong("system", 's', "", "System description XML path")
	optBoard := getopt.StringLong("board", 'b', "", "Target board name (overrides the description's own)")
	optOutput := getopt.StringLong("output", 'o', ".", "Output directory for build artefacts")
	optLoader := getopt.StringLong("loader", 'l', "loader.img", "Loader/initialiser image path to patch")
	optKernel := getopt.StringLong("kernel", 'k', "", "Kernel ELF path (required unless the board's architecture skips boot emulation)")
	optReport := getopt.StringLong("report", 'r', "", "Optional report output path")
	optVerbose := getopt.BoolLong("verbose", 'v', "Verbose logging")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *optVerbose {
		level = slog.LevelDebug
	}
	Logger = logging.New(os.Stderr, level, *optVerbose)
	slog.SetDefault(Logger)

	if *optSystem == "" {
		Logger.Error("Please specify a system description with --system")
		os.Exit(1)
	}

	desc, err := sysdesc.XMLLoader{}.Load(*optSystem)
	if err != nil {
		Logger.Error(err.Error())
		os.Exit(1)
	}
	if *optBoard != "" {
		desc.Board = *optBoard
	}

	profile, err := profileFor(desc.Arch)
	if err != nil {
		Logger.Error(err.Error())
		os.Exit(1)
	}

	fs := afero.NewOsFs()
	elfLoader := elfimage.NewFSLoader(fs)

	images := make(map[int]elfimage.Image)
	resolve := func(path string) (elfimage.Image, error) {
		img, err := elfLoader.Load(path)
		if err != nil {
			return nil, err
		}
		images[img.ID()] = img
		return img, nil
	}

	var kernelImg elfimage.Image
	if !profile.x86 {
		if *optKernel == "" {
			Logger.Error("Please specify the kernel ELF with --kernel for this architecture")
			os.Exit(1)
		}
		kernelImg, err = resolve(*optKernel)
		if err != nil {
			Logger.Error(err.Error())
			os.Exit(1)
		}
	}

	graphCfg := graph.Config{
		Layout:              profile.layout,
		CapAddressBits:      profile.capAddressBits,
		UserTop:             0x0000_8000_0000_0000,
		MonitorPriority:     desc.MonitorPriority,
		MonitorBudget:       desc.MonitorBudget,
		MonitorPeriod:       desc.MonitorPeriod,
		DefaultBudget:       1000,
		DefaultPeriod:       1000,
		SmallPageSize:       0x1000,
		X86:                 profile.x86,
		SupportsTrustedCall: profile.supportsTrusted,
	}

	loaderPath := filepath.Join(*optOutput, filepath.Base(*optLoader))
	loaderLayout := packager.ImageLayout{HighestVAddr: 0x0020_0000, PageSize: 0x1000}

	buildCfg := buildloop.Config{
		Graph:         graphCfg,
		Layout:        profile.layout,
		Rootserver:    profile.rootserver,
		SmallPageSize: 0x1000,
	}

	inputs := buildloop.Inputs{
		Desc:        desc,
		ELF:         elfLoader,
		Kernel:      kernelImg,
		Images:      images,
		ImagePath:   loaderPath,
		ImageLayout: loaderLayout,
	}

	pkg := packager.NewFilePackager(fs)

	summary, err := buildloop.Run(buildCfg, inputs, pkg, Logger)

	if *optReport != "" {
		f, werr := fs.Create(*optReport)
		if werr == nil {
			_ = report.PlainReporter{}.Write(f, summary)
			f.Close()
		}
	}

	if err != nil {
		Logger.Error(err.Error())
		os.Exit(1)
	}

	Logger.Info("build complete", "iterations", summary.Iterations, "objects", summary.ObjectCount)
}
