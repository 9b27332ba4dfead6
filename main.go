package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/issue-hub/issue-hub/internal/config"
	"github.com/issue-hub/issue-hub/internal/logging"
)

// configEnvVar 覆盖默认配置路径，优先级低于 --config。
const configEnvVar = "ISSUE_HUB_CONFIG"

// rootOptions 汇总全局标志解析后的结果，便于在测试中注入。
type rootOptions struct {
	configFlag  string
	envFile     string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// usageError 标记参数解析失败，对应退出码 2。
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 运行命令树并返回退出码，方便测试。
func execute(args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdOut)
	cmd.SetErr(stdErr)

	err := cmd.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(stdErr, err.Error())
	var uerr usageError
	if errors.As(err, &uerr) {
		return 2
	}
	return 1
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "issue-hub",
		Short:         "离线优先的问题上报中枢",
		Long:          "issue-hub 缓存应用外壳资源，在断网期间保存问题提交，并在恢复联网后投递到服务端。",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(opts.envFile)
		},
		// 不带子命令时兼容 --version / --check-config，否则等价于 serve。
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case opts.showVersion:
				printVersion()
				return nil
			case opts.checkOnly:
				return runCheckConfig(opts)
			default:
				return runServe(cmd.Context(), opts)
			}
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: fmt.Errorf("解析参数失败: %w", err)}
	})

	cmd.PersistentFlags().StringVar(&opts.configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnvVar+" 覆盖）")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "启动前加载的 dotenv 文件，不存在时忽略")
	cmd.Flags().BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	cmd.Flags().BoolVar(&opts.showVersion, "version", false, "显示版本信息")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newAPICommand(opts))
	cmd.AddCommand(newCheckConfigCommand(opts))
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	markArgErrorsAsUsage(cmd)
	return cmd
}

// markArgErrorsAsUsage 让位置参数校验失败（含未知子命令）与标志解析失败一样以退出码 2 结束。
func markArgErrorsAsUsage(cmd *cobra.Command) {
	if validate := cmd.Args; validate != nil {
		cmd.Args = func(c *cobra.Command, args []string) error {
			if err := validate(c, args); err != nil {
				return usageError{err: fmt.Errorf("解析参数失败: %w", err)}
			}
			return nil
		}
	}
	for _, sub := range cmd.Commands() {
		markArgErrorsAsUsage(sub)
	}
}

// resolveConfigPath 计算最终配置路径：--config > ISSUE_HUB_CONFIG > config.toml。
func (o *rootOptions) resolveConfigPath() string {
	if o.configFlag != "" {
		return o.configFlag
	}
	if path := strings.TrimSpace(os.Getenv(configEnvVar)); path != "" {
		return path
	}
	return "config.toml"
}

// loadEnvFile 载入 dotenv；已存在的环境变量不会被覆盖。
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载 env 文件失败 (%s): %w", path, err)
	}
	return nil
}

// loadRuntime 读取配置并初始化日志，各子命令共用。
func loadRuntime(opts *rootOptions) (*config.Config, *logrus.Logger, string, error) {
	path := opts.resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, path, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return nil, nil, path, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, path, nil
}

func newCheckConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "校验配置后退出",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runCheckConfig(opts)
		},
	}
}

func runCheckConfig(opts *rootOptions) error {
	cfg, logger, path, err := loadRuntime(opts)
	if err != nil {
		return err
	}
	fields := logging.BaseFields("check_config", path)
	fields["origins"] = config.OriginNames(cfg.Origins)
	fields["sync_endpoint"] = cfg.Sync.Endpoint
	fields["api_driver"] = cfg.API.Driver
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return nil
}
