package main

// darkroom 命令列入口：先載入 .env（可設定 DARKROOM_CONFIG），再交給 cobra。

import (
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"

	"github.com/ChuLiYu/darkroom/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "darkroom: panic: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
