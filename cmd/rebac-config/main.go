package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/rebac"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("rebac-config - Configuration tool for the permission engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rebac-config convert <input> <output>  - Convert between formats")
	fmt.Println("  rebac-config validate <file>           - Validate configuration")
	fmt.Println("  rebac-config stats <file>              - Show configuration statistics")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json, .bin")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: rebac-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)

	inStat, _ := os.Stat(inputFile)
	outStat, _ := os.Stat(outputFile)
	if inStat != nil && outStat != nil {
		reduction := (1 - float64(outStat.Size())/float64(inStat.Size())) * 100
		if reduction > 0 {
			fmt.Printf("Size reduced by %.1f%% (%d -> %d bytes)\n",
				reduction, inStat.Size(), outStat.Size())
		} else {
			fmt.Printf("Size increased by %.1f%% (%d -> %d bytes)\n",
				-reduction, inStat.Size(), outStat.Size())
		}
	}
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: rebac-config validate <file>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  Version:    %d\n", cfg.Version)
	fmt.Printf("  Tenants:    %d\n", len(cfg.Tenants))
	fmt.Printf("  Namespaces: %d\n", len(cfg.Namespaces))
	fmt.Printf("  Tuples:     %d\n", len(cfg.Tuples))
	fmt.Printf("  Policies:   %d\n", len(cfg.Policies))
	fmt.Printf("  Sidebar:    %d\n", len(cfg.Sidebar))
	fmt.Printf("  Pages:      %d\n", len(cfg.Pages))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: rebac-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Tenants:    %d\n", len(cfg.Tenants))
	fmt.Printf("  Namespaces: %d\n", len(cfg.Namespaces))
	fmt.Printf("  Tuples:     %d\n", len(cfg.Tuples))
	fmt.Printf("  Policies:   %d\n", len(cfg.Policies))
	fmt.Printf("  Sidebar:    %d\n", len(cfg.Sidebar))
	fmt.Printf("  Pages:      %d\n", len(cfg.Pages))
	fmt.Printf("  Overrides:  %d\n", len(cfg.Overrides))
	fmt.Println()

	if len(cfg.Policies) > 0 {
		allowCount := 0
		for _, p := range cfg.Policies {
			if rebac.Effect(p.Effect) == rebac.EffectAllow {
				allowCount++
			}
		}
		fmt.Println("Policy Details:")
		fmt.Printf("  Allow policies: %d\n", allowCount)
		fmt.Printf("  Deny policies:  %d\n", len(cfg.Policies)-allowCount)
		fmt.Println()
	}

	if len(cfg.Namespaces) > 0 {
		totalRels := 0
		for _, ns := range cfg.Namespaces {
			totalRels += len(ns.Relations)
		}
		fmt.Println("Schema Details:")
		fmt.Printf("  Total relations:   %d\n", totalRels)
		fmt.Printf("  Avg per namespace: %.1f\n", float64(totalRels)/float64(len(cfg.Namespaces)))
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Max expansion depth:  %d\n", cfg.Engine.MaxDepth)
	fmt.Printf("  Decision cache TTL:   %dms\n", cfg.Engine.DecisionCacheTTL)
	fmt.Printf("  Audit batch size:     %d\n", cfg.Engine.AuditBatchSize)
	fmt.Printf("  Audit flush interval: %dms\n", cfg.Engine.AuditFlushInterval)
	fmt.Printf("  Batch worker count:   %d\n", cfg.Engine.BatchWorkerCount)
}

func loadConfig(filename string) (*rebac.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	loader := rebac.NewConfigLoader()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	case ".bin":
		return loader.LoadBinary(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
}

func saveConfig(cfg *rebac.Config, filename string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".bin":
		data, err = rebac.EncodeBinaryConfig(cfg)
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
