package main

import (
	"fmt"
	"runtime"

	"github.com/quran-companion/shell-cache/internal/version"
)

// printVersion 输出版本、提交与运行平台。
func printVersion() {
	fmt.Fprintf(stdOut, "%s %s/%s\n", version.Full(), runtime.GOOS, runtime.GOARCH)
}
