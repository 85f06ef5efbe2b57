// novacache - 代码缓存归档检视工具
//
// 用法:
//   novacache info archive.novaot     # 显示归档头部概要
//   novacache list archive.novaot     # 列出全部条目
//   novacache verify archive.novaot   # 完整性校验（头部、索引、哈希）

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/tangzhangming/novacache/internal/codecache"
	"github.com/tangzhangming/novacache/internal/config"
	"github.com/tangzhangming/novacache/internal/logging"
)

// 版本信息
const (
	Version = "1.0.0"
	Name    = "novacache"
)

// 命令行选项
var (
	helpFlag    = flag.Bool("help", false, "显示帮助信息")
	versionFlag = flag.Bool("version", false, "显示版本信息")
	verboseFlag = flag.Bool("verbose", false, "详细输出")
	configFlag  = flag.String("config", "", "配置文件路径（省略时向上查找 "+config.ConfigFileName+"）")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *helpFlag {
		usage()
		os.Exit(0)
	}

	if *versionFlag {
		fmt.Printf("%s version %s\n", Name, Version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	var err error
	switch cmd {
	case "info":
		err = cmdInfo(cmdArgs)
	case "list":
		err = cmdList(cmdArgs)
	case "verify":
		err = cmdVerify(cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", Name, err)
		os.Exit(1)
	}
}

// usage 打印帮助信息
func usage() {
	fmt.Fprintf(os.Stderr, `%s - 代码缓存归档检视工具

用法:
  %s [options] info archive%s
  %s [options] list archive%s
  %s [options] verify archive%s

选项:
`, Name, Name, codecache.ArchiveFileExtension,
		Name, codecache.ArchiveFileExtension,
		Name, codecache.ArchiveFileExtension)
	flag.PrintDefaults()
}

// archivePath 解析归档路径：优先命令行参数，其次配置文件
func archivePath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	path := *configFlag
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path = config.FindConfigFile(wd)
	}
	if path == "" {
		return "", fmt.Errorf("no archive given and no %s found", config.ConfigFileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", err
	}
	return cfg.Cache.Path, nil
}

// openArchive 以只读方式打开归档
func openArchive(args []string) (*codecache.Archive, error) {
	path, err := archivePath(args)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(*verboseFlag)
	if err != nil {
		return nil, err
	}
	arch, err := codecache.Open(codecache.Options{
		Path:        path,
		ReadEnabled: true,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	return arch, nil
}

// cmdInfo 显示归档头部概要
func cmdInfo(args []string) error {
	arch, err := openArchive(args)
	if err != nil {
		return err
	}
	defer arch.Close()

	info := arch.Info()
	fmt.Printf("format version : %#x\n", info.Version)
	fmt.Printf("total size     : %d bytes\n", info.TotalSize)
	fmt.Printf("entries        : %d\n", info.EntryCount)
	fmt.Printf("strings        : %d\n", info.StringCount)
	fmt.Printf("preload list   : %d\n", info.PreloadCount)
	fmt.Printf("flags          : %#x\n", info.Flags)
	return nil
}

// cmdList 列出全部条目
func cmdList(args []string) error {
	arch, err := openArchive(args)
	if err != nil {
		return err
	}
	defer arch.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tTIER\tGEN\tSIZE\tFLAGS")
	for _, e := range arch.Entries() {
		flags := ""
		if e.Entrant() {
			flags += "E"
		}
		if e.PreloadEligible() {
			flags += "P"
		}
		if e.Preloaded() {
			flags += "L"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			e.Name(), e.Kind(), e.Tier(), e.Generation(), e.Size(), flags)
	}
	return w.Flush()
}

// cmdVerify 完整性校验
//
// 打开本身已覆盖头部、字符串哈希、排序索引和条目名哈希的复核，
// 这里再确认每个条目的负载区域能完整取出。
func cmdVerify(args []string) error {
	arch, err := openArchive(args)
	if err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}
	defer arch.Close()

	entries := arch.Entries()
	bad := 0
	for _, e := range entries {
		if _, err := arch.Load(e); err != nil {
			// 离线校验没有解析器和地址表，符号查找失败是预期内的
			// 环境问题；格式或一致性错误才算损坏
			if errors.Is(err, codecache.ErrFormatMismatch) ||
				errors.Is(err, codecache.ErrConsistency) {
				bad++
				fmt.Printf("corrupt entry %s: %v\n", e.Name(), err)
			} else if *verboseFlag {
				fmt.Printf("entry %s: %v\n", e.Name(), err)
			}
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d entries corrupt", bad, len(entries))
	}
	fmt.Printf("ok: %d entries\n", len(entries))
	return nil
}
