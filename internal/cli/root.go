// Package cli wires the oracle's cobra commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/life2you_mini/rwaoracle/internal/config"
	"github.com/life2you_mini/rwaoracle/internal/logger"
	"github.com/life2you_mini/rwaoracle/internal/model"
	"github.com/life2you_mini/rwaoracle/internal/services"
)

type rootOptions struct {
	configFile string
	envFile    string
}

// Execute 运行命令行
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand 创建根命令
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "rwaoracle",
		Short:         "RWA equity funding-rate oracle",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "config/config.yaml", "配置文件路径")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "环境变量文件路径")

	root.AddCommand(serveCmd(opts))
	root.AddCommand(publishOnceCmd(opts))
	root.AddCommand(rateCmd(opts))
	root.AddCommand(assessCmd(opts))
	root.AddCommand(configCmd())
	return root
}

// session loaded config plus logger for one command invocation
type session struct {
	cfg    *config.Config
	logger *logger.Logger
}

func (o *rootOptions) load() (*session, error) {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	l, err := logger.NewLogger(cfg.System.LogDir, cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	l.Info("加载配置成功", zap.String("config", o.configFile))
	return &session{cfg: cfg, logger: l}, nil
}

// oneShot builds the service without the HTTP API, runs fn and tears it down
func (o *rootOptions) oneShot(ctx context.Context, fn func(ctx context.Context, svc *services.OracleService) error) error {
	rt, err := o.load()
	if err != nil {
		return err
	}
	defer rt.logger.Close()

	rt.cfg.HTTP.Enabled = false
	svc, err := services.NewOracleService(ctx, rt.cfg, rt.logger.Logger)
	if err != nil {
		return fmt.Errorf("创建服务失败: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Stop(stopCtx)
	}()
	return fn(ctx, svc)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the publishing scheduler and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.load()
			if err != nil {
				return err
			}
			defer rt.logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := services.NewOracleService(ctx, rt.cfg, rt.logger.Logger)
			if err != nil {
				return fmt.Errorf("创建服务失败: %w", err)
			}
			svc.Start()
			rt.logger.Info("服务已启动")

			<-ctx.Done()
			rt.logger.Info("接收到信号，准备关闭服务")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := svc.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("服务关闭失败: %w", err)
			}
			rt.logger.Info("服务已优雅关闭")
			return nil
		},
	}
}

func publishOnceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "publish-once",
		Short: "Publish the current funding rate of every watched symbol once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.oneShot(cmd.Context(), func(ctx context.Context, svc *services.OracleService) error {
				report, err := svc.PublishOnce(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if report.Failed > 0 {
					return fmt.Errorf("%d symbol(s) failed to publish", report.Failed)
				}
				return nil
			})
		},
	}
}

func rateCmd(opts *rootOptions) *cobra.Command {
	var markPrice float64
	var factors bool
	cmd := &cobra.Command{
		Use:   "rate <symbol>",
		Short: "Show the current funding rate of a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.oneShot(cmd.Context(), func(ctx context.Context, svc *services.OracleService) error {
				symbol := args[0]
				switch {
				case factors:
					f, err := svc.Funding().GetFundingRateFactors(ctx, symbol)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), f)
				case markPrice > 0:
					r, err := svc.Funding().CalculateFundingRate(ctx, symbol, markPrice)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), r)
				}
				r, err := svc.Funding().GetCurrentFundingRate(ctx, symbol)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), r)
			})
		},
	}
	cmd.Flags().Float64Var(&markPrice, "mark-price", 0, "计算时使用的标记价格, 0 表示使用交易所或现货价")
	cmd.Flags().BoolVar(&factors, "factors", false, "输出资金费率分解")
	return cmd
}

func assessCmd(opts *rootOptions) *cobra.Command {
	var leverage float64
	var positionID string
	cmd := &cobra.Command{
		Use:   "assess <symbol>",
		Short: "Assess the risk of a symbol, optionally for a leveraged position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.oneShot(cmd.Context(), func(ctx context.Context, svc *services.OracleService) error {
				symbol := args[0]
				var position *model.Position
				if leverage > 0 {
					position = &model.Position{ID: positionID, Symbol: symbol, Leverage: leverage}
				}
				a, err := svc.Risk().AssessRisk(ctx, symbol, position)
				if err != nil {
					return err
				}
				recs, err := svc.Risk().GenerateRecommendations(ctx, a)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"assessment":      a,
					"recommendations": recs,
				})
			})
		},
	}
	cmd.Flags().Float64Var(&leverage, "leverage", 0, "当前仓位杠杆")
	cmd.Flags().StringVar(&positionID, "position-id", "cli", "仓位ID")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	var output string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", output)
			}
			if err := config.SaveConfigToFile(config.GetDefaultConfig(), output); err != nil {
				return fmt.Errorf("保存配置失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "config/config.yaml", "输出文件")
	initCmd.Flags().BoolVar(&force, "force", false, "覆盖已存在的文件")
	cmd.AddCommand(initCmd)
	return cmd
}
