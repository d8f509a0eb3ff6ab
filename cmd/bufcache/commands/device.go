package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/buffercache"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/memory"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/system"
)

var deviceInfoCmd = &cobra.Command{
	Use:   "device",
	Short: "Show host backend information",
	Long: `Display the host backend the cache would run on.

Shows which runtime is selected, the transfer paths it supports and the
garbage collection thresholds the cache derives from its memory.`,
	RunE: runDeviceInfo,
}

func init() {
	rootCmd.AddCommand(deviceInfoCmd)
}

func runDeviceInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("bufcache device information"))
	fmt.Println()
	fmt.Printf("Backend flag: %s\n\n", cfg.Runtime.Backend)

	rt, err := gpu.NewRuntime(cfg.Runtime.Backend, runtimeOptions(cfg))
	if err != nil {
		fmt.Println(errorStyle.Render(fmt.Sprintf("Runtime error: %v", err)))
		fmt.Println()
		fmt.Println("Available backends:")
		fmt.Println("  • memory - Host memory runtime")
		fmt.Println("  • vulkan - Vulkan device (requires a build with -tags vulkan)")
		fmt.Println("  • auto   - Vulkan when available, memory otherwise")
		return err
	}
	defer rt.Free()

	caps := rt.Capabilities()
	fmt.Printf("%s %s\n", okStyle.Render("Runtime:"), rt.Name())
	fmt.Printf("   Type: %s\n", rt.Type())
	fmt.Printf("   Platform: %s\n\n", system.Platform())

	fmt.Println("Transfers:")
	fmt.Printf("   Mapped uploads:  %v\n", caps.MappedUploads)
	fmt.Printf("   Memory maps:     %v\n", caps.MemoryMaps)
	fmt.Printf("   Async downloads: %v\n\n", caps.AsyncDownloads)

	if rt.CanReportMemoryUsage() {
		used := rt.GetDeviceMemoryUsage()
		total := rt.GetDeviceLocalMemory()
		fmt.Println("Device memory:")
		fmt.Printf("   Used: %s / %s\n\n", formatBytes(int64(used)), formatBytes(int64(total)))
	}

	if host, err := system.ReadHostMemory(); err == nil {
		fmt.Println("Host memory:")
		fmt.Printf("   Available: %s / %s\n\n", formatBytes(int64(host.Available)), formatBytes(int64(host.Total)))
	}

	cache, err := buffercache.New(cfg.Cache.Params(), rt, memory.NewPagedMemory())
	if err != nil {
		return err
	}
	cache.Lock()
	stats := cache.Stats()
	cache.Close()
	cache.Unlock()

	fmt.Println("Garbage collection:")
	fmt.Printf("   Expected memory: %s\n", formatBytes(int64(stats.MinimumMemory)))
	fmt.Printf("   Critical memory: %s\n", formatBytes(int64(stats.CriticalMemory)))
	fmt.Printf("   Uniform skip size: %d\n", stats.SkipCacheSize)
	return nil
}
