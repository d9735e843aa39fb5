package main

import (
	"flag"
	"log"

	"github.com/danmuck/uwbctl/internal/config"
)

const defaultConfigPath = "cmd/uwbd/config.toml"

func main() {
	kind := flag.String("kind", "uwbd", "config kind: uwbd|multichip")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to cmd/uwbd/config.toml)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultConfigPath
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s (name=%s chips=%d)", path, cfg.Name, len(cfg.Chips))
		return
	}

	if _, err := config.Template(*kind); err != nil {
		log.Fatal(err)
	}
	target := *output
	if target == "" {
		target = defaultConfigPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
