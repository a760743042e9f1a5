package main

import (
	"flag"
	"log"

	"github.com/danmuck/shipctl/internal/config"
)

func main() {
	kind := flag.String("kind", "project", "template kind: project|env")
	output := flag.String("output", "", "output path for the template")
	validate := flag.Bool("validate", false, "validate an existing project config")
	input := flag.String("input", "shipctl.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite an existing file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s: name=%s runtime=%s ui=%s required=%d optional=%d",
			*input, cfg.Build.Name, cfg.Build.Runtime, cfg.Build.UI.Mode, len(cfg.Required), len(cfg.Optional))
		return
	}

	target := *output
	if target == "" {
		switch *kind {
		case "project", "shipctl":
			target = "shipctl.toml"
		case "env", "dotenv":
			target = ".env"
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s template to %s", *kind, target)
}
