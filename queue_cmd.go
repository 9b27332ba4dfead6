package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/issue-hub/issue-hub/internal/config"
	"github.com/issue-hub/issue-hub/internal/queue"
	"github.com/issue-hub/issue-hub/internal/syncloop"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var (
		mode        string
		forceOnline bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "立即执行一次同步并输出结果",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			syncMode, err := parseSyncMode(mode)
			if err != nil {
				return usageError{err: err}
			}
			cfg, logger, _, err := loadRuntime(opts)
			if err != nil {
				return err
			}
			stack, err := buildClientStack(cmd.Context(), cfg, logger, forceOnline)
			if err != nil {
				return err
			}
			defer stack.Close()

			report, err := stack.loop.Trigger(cmd.Context(), syncloop.TriggerManual, syncMode)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "all", "同步范围：all 投递全部，one 仅投递最早一条")
	cmd.Flags().BoolVar(&forceOnline, "online", false, "跳过连通性探测，直接视为在线")
	return cmd
}

func parseSyncMode(raw string) (syncloop.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "all":
		return syncloop.ModeAll, nil
	case "one":
		return syncloop.ModeOne, nil
	default:
		return syncloop.ModeAll, fmt.Errorf("未知同步模式: %s", raw)
	}
}

// queueOptions 允许绕过配置文件直接指定队列数据库，便于离线排障。
type queueOptions struct {
	root      *rootOptions
	queuePath string
}

func (o *queueOptions) open() (*queue.Store, error) {
	path := o.queuePath
	if path == "" {
		cfg, err := config.Load(o.root.resolveConfigPath())
		if err != nil {
			return nil, fmt.Errorf("加载配置失败: %w", err)
		}
		path = cfg.Global.QueuePath
	}
	return queue.Open(path)
}

func newQueueCommand(root *rootOptions) *cobra.Command {
	opts := &queueOptions{root: root}
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "查看与维护本地待同步提交队列",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.queuePath, "queue-path", "", "队列数据库路径（默认取配置 QueuePath）")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "列出未同步提交",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := opts.open()
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.ListUnsynced(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := store.Count(cmd.Context())
			if err != nil {
				return err
			}
			if items == nil {
				items = []queue.Submission{}
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"counts": counts, "submissions": items})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export [file]",
		Short: "导出队列快照，缺省写到标准输出",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.open()
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			n, err := store.Export(cmd.Context(), out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d submissions\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "导入队列快照，已存在的 localId 会被跳过",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.open()
			if err != nil {
				return err
			}
			defer store.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			n, err := store.Import(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d submissions\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue [local-id]",
		Short: "重新激活暂停的提交；不带参数时处理全部",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.open()
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				if err := store.Requeue(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
				return nil
			}
			n, err := store.RequeueParked(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d submissions\n", n)
			return nil
		},
	})
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
