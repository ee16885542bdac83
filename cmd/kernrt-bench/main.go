package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/vkngwrapper/arsenal/kernrt/compute"
	"github.com/vkngwrapper/arsenal/kernrt/compute/host"
	"github.com/vkngwrapper/arsenal/kernrt/config"
	"github.com/vkngwrapper/arsenal/kernrt/telemetry"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

type benchOptions struct {
	elems      int
	iterations int
	detailed   bool
	metrics    bool
}

func main() {
	configPath := flag.String("config", "", "yaml configuration file")
	devices := flag.Int("devices", 0, "number of host devices, overrides the configuration")
	vulkan := flag.Bool("vulkan", false, "churn device memory of the first vulkan device instead of running kernels")
	var options benchOptions
	flag.IntVar(&options.elems, "elems", 1<<16, "float32 elements per vector")
	flag.IntVar(&options.iterations, "iterations", 100, "kernel launches per device")
	flag.BoolVar(&options.detailed, "detailed", false, "print every page and slice of every pool")
	flag.BoolVar(&options.metrics, "metrics", false, "print prometheus metrics when done")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
			os.Exit(1)
		}
	}
	if *devices > 0 {
		cfg.Devices = *devices
	}

	var err error
	if *vulkan {
		err = runVulkan(cfg, options)
	} else {
		err = run(context.Background(), cfg, options)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, options benchOptions) error {
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}

	hostOptions, err := cfg.HostOptions()
	if err != nil {
		return err
	}

	registry := compute.NewRegistry[host.Kernel](logger, func(id compute.DeviceID) (*compute.Client[host.Kernel], error) {
		return host.NewClient(logger.With(slog.String("device", id.String())), hostOptions)
	})

	collector := telemetry.NewCollector()
	recorder := telemetry.NewProfileRecorder(nil)
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collector, recorder)

	group, groupCtx := errgroup.WithContext(ctx)
	for index := 0; index < cfg.Devices; index++ {
		id := compute.DeviceID{IndexID: uint32(index)}

		client, err := registry.Client(id)
		if err == nil {
			err = collector.Register(id.String(), client)
		}
		if err != nil {
			return closeWithError(errors.CombineErrors(err, group.Wait()), registry)
		}

		group.Go(func() error {
			return bench(groupCtx, client, recorder, id, options)
		})
	}

	err = group.Wait()
	if err != nil {
		return closeWithError(err, registry)
	}

	for _, id := range registry.Devices() {
		client, err := registry.Client(id)
		if err != nil {
			return closeWithError(err, registry)
		}

		fmt.Printf("%s\n%s\n", id, client.MemoryUsage())
		fmt.Println(client.MemoryStats(options.detailed))
	}

	if options.metrics {
		err = printMetrics(metrics)
		if err != nil {
			return closeWithError(err, registry)
		}
	}

	return registry.Close()
}

func closeWithError(err error, registry *compute.Registry[host.Kernel]) error {
	closeErr := registry.Close()
	if closeErr != nil {
		return errors.WithSecondaryError(err, closeErr)
	}
	return err
}

// bench repeatedly adds two vectors while churning scratch buffers of random sizes, then checks
// the result
func bench(ctx context.Context, client *compute.Client[host.Kernel], recorder *telemetry.ProfileRecorder, id compute.DeviceID, options benchOptions) error {
	rng := rand.New(rand.NewSource(int64(id.IndexID) + 1))

	lhsValues := make([]float32, options.elems)
	rhsValues := make([]float32, options.elems)
	for i := range lhsValues {
		lhsValues[i] = float32(i)
		rhsValues[i] = float32(id.IndexID) + 0.5
	}

	lhs, err := client.Create(float32bytes(lhsValues))
	if err != nil {
		return err
	}
	defer lhs.Release()

	rhs, err := client.Create(float32bytes(rhsValues))
	if err != nil {
		return err
	}
	defer rhs.Release()

	out, err := client.Empty(options.elems * 4)
	if err != nil {
		return err
	}
	defer out.Release()

	k := vectorAdd{elems: options.elems}
	for iteration := 0; iteration < options.iterations; iteration++ {
		scratch, err := client.Empty(rng.Intn(options.elems*8) + 1)
		if err != nil {
			return errors.Wrapf(err, "iteration %d", iteration)
		}

		_, err = recorder.Profile(ctx, client, id.String(), "vector_add", func() error {
			return client.Execute(k, k.CubeCount(), []*compute.Binding{
				lhs.Binding(compute.AccessRead),
				rhs.Binding(compute.AccessRead),
				out.Binding(compute.AccessWrite),
			})
		})
		scratch.Release()
		if err != nil {
			return errors.Wrapf(err, "iteration %d", iteration)
		}
	}

	err = client.Sync(ctx)
	if err != nil {
		return err
	}

	data, err := client.Read(ctx, out)
	if err != nil {
		return err
	}

	for i := 0; i < options.elems; i++ {
		got := float32frombytes(data[i*4:])
		if got != lhsValues[i]+rhsValues[i] {
			return errors.Newf("%s: element %d is %f, expected %f", id, i, got, lhsValues[i]+rhsValues[i])
		}
	}
	return nil
}

func printMetrics(registry *prometheus.Registry) error {
	families, err := registry.Gather()
	if err != nil {
		return err
	}

	var sb strings.Builder
	for _, family := range families {
		_, err = expfmt.MetricFamilyToText(&sb, family)
		if err != nil {
			return err
		}
	}
	fmt.Print(sb.String())
	return nil
}
