package build

import (
	"fmt"
	"os"

	"github.com/abejgonzalez/firesim/common/awstools"
	"github.com/abejgonzalez/firesim/common/utils"
	"gopkg.in/yaml.v3"
)

// buildsYAML is config_build.yaml: the build farm recipe plus the names of
// the recipes to build.
type buildsYAML struct {
	BuildFarm   buildFarmSection `yaml:"build_farm"`
	BuildsToRun []string         `yaml:"builds_to_run"`
}

// buildFarmSection points at a base recipe file and optionally overrides
// pieces of its args.
type buildFarmSection struct {
	BaseRecipe         string                 `yaml:"base_recipe"`
	RecipeArgOverrides map[string]interface{} `yaml:"recipe_arg_overrides"`
}

// buildFarmRecipe is the shape of a build farm base recipe file.
type buildFarmRecipe struct {
	BuildFarmType string                 `yaml:"build_farm_type"`
	Args          map[string]interface{} `yaml:"args"`
}

// buildRecipe is one entry of config_build_recipes.yaml.
type buildRecipe struct {
	Platform         string `yaml:"PLATFORM"`
	TargetProject    string `yaml:"TARGET_PROJECT"`
	Design           string `yaml:"DESIGN"`
	TargetConfig     string `yaml:"TARGET_CONFIG"`
	PlatformConfig   string `yaml:"PLATFORM_CONFIG"`
	DeployQuintuplet string `yaml:"deploy_quintuplet"`

	PlatformConfigArgs struct {
		Frequency int    `yaml:"fpga_frequency"`
		Strategy  string `yaml:"build_strategy"`
	} `yaml:"platform_config_args"`

	PostBuildHook    string `yaml:"post_build_hook"`
	BitBuilderRecipe string `yaml:"bit_builder_recipe"`
}

// bitBuilderRecipe is the shape of a bit builder recipe file.
type bitBuilderRecipe struct {
	BitBuilderType string                 `yaml:"bit_builder_type"`
	Args           map[string]interface{} `yaml:"args"`
}

// Plan is everything one buildbitstream invocation drives: the farm the
// builds run on plus one builder per selected recipe.
type Plan struct {
	Farm     BuildFarm
	Builders []BitBuilder
}

// LoadPlan reads config_build.yaml and the recipes file it selects builds
// from. client and s3api may be nil; only aws_ec2 build farms and the f1
// bit builder actually need them.
func LoadPlan(buildConfigFile string, recipesFile string, client *awstools.Client, s3api S3API, provider ExecutorProvider, resultsDir string, commit string) (*Plan, error) {
	raw, err := os.ReadFile(buildConfigFile)
	if err != nil {
		return nil, fmt.Errorf("reading build config %s: %w", buildConfigFile, err)
	}
	var parsed buildsYAML
	if err = yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing build config %s: %w", buildConfigFile, err)
	}
	if len(parsed.BuildsToRun) == 0 {
		return nil, fmt.Errorf("'builds_to_run' in %s selects no build recipes", buildConfigFile)
	}

	farm, err := buildBuildFarm(parsed.BuildFarm, client, buildConfigFile)
	if err != nil {
		return nil, err
	}

	raw, err = os.ReadFile(recipesFile)
	if err != nil {
		return nil, fmt.Errorf("reading build recipes %s: %w", recipesFile, err)
	}
	recipes := make(map[string]buildRecipe)
	if err = yaml.Unmarshal(raw, &recipes); err != nil {
		return nil, fmt.Errorf("parsing build recipes %s: %w", recipesFile, err)
	}

	plan := &Plan{Farm: farm}
	for _, name := range parsed.BuildsToRun {
		recipe, ok := recipes[name]
		if !ok {
			return nil, fmt.Errorf("build %q in %s has no recipe in %s", name, buildConfigFile, recipesFile)
		}
		builder, err := newBitBuilder(name, recipe, farm, client, s3api, provider, resultsDir, commit, recipesFile)
		if err != nil {
			return nil, err
		}
		plan.Builders = append(plan.Builders, builder)
	}
	return plan, nil
}

// buildBuildFarm reads the base recipe, applies the arg overrides, and
// dispatches on build_farm_type.
func buildBuildFarm(section buildFarmSection, client *awstools.Client, configFile string) (BuildFarm, error) {
	if section.BaseRecipe == "" {
		return nil, fmt.Errorf("'build_farm' in %s requires a 'base_recipe'", configFile)
	}

	raw, err := os.ReadFile(section.BaseRecipe)
	if err != nil {
		return nil, fmt.Errorf("reading build farm recipe %s: %w", section.BaseRecipe, err)
	}
	var recipe buildFarmRecipe
	if err = yaml.Unmarshal(raw, &recipe); err != nil {
		return nil, fmt.Errorf("parsing build farm recipe %s: %w", section.BaseRecipe, err)
	}

	merged := utils.MergeMaps(recipe.Args, section.RecipeArgOverrides)
	argsYAML, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("re-encoding build farm args from %s: %w", section.BaseRecipe, err)
	}

	switch recipe.BuildFarmType {
	case "aws_ec2":
		if client == nil {
			return nil, fmt.Errorf("build farm type aws_ec2 in %s requires AWS credentials, and no EC2 client could be built", section.BaseRecipe)
		}
		var args AWSEC2BuildArgs
		if err = yaml.Unmarshal(argsYAML, &args); err != nil {
			return nil, fmt.Errorf("parsing aws_ec2 args in %s: %w", section.BaseRecipe, err)
		}
		return NewAWSEC2(args, client)
	case "externally_provisioned":
		var args ExternalBuildArgs
		if err = yaml.Unmarshal(argsYAML, &args); err != nil {
			return nil, fmt.Errorf("parsing externally_provisioned args in %s: %w", section.BaseRecipe, err)
		}
		return NewExternallyProvisioned(args)
	default:
		return nil, fmt.Errorf("unknown build_farm_type %q in %s", recipe.BuildFarmType, section.BaseRecipe)
	}
}

// newBitBuilder assembles the recipe's build config and dispatches on the
// bit builder recipe's bit_builder_type.
func newBitBuilder(name string, recipe buildRecipe, farm BuildFarm, client *awstools.Client, s3api S3API, provider ExecutorProvider, resultsDir string, commit string, recipesFile string) (BitBuilder, error) {
	if recipe.Design == "" || recipe.TargetConfig == "" || recipe.PlatformConfig == "" {
		return nil, fmt.Errorf("build recipe %q in %s requires DESIGN, TARGET_CONFIG and PLATFORM_CONFIG", name, recipesFile)
	}
	if recipe.BitBuilderRecipe == "" {
		return nil, fmt.Errorf("build recipe %q in %s requires a 'bit_builder_recipe'", name, recipesFile)
	}

	raw, err := os.ReadFile(recipe.BitBuilderRecipe)
	if err != nil {
		return nil, fmt.Errorf("reading bit builder recipe %s: %w", recipe.BitBuilderRecipe, err)
	}
	var bb bitBuilderRecipe
	if err = yaml.Unmarshal(raw, &bb); err != nil {
		return nil, fmt.Errorf("parsing bit builder recipe %s: %w", recipe.BitBuilderRecipe, err)
	}

	platform := recipe.Platform
	if platform == "" {
		platform = bb.BitBuilderType
	}
	project := recipe.TargetProject
	if project == "" {
		project = "firesim"
	}

	cfg := Config{
		Name: name,
		BuildQuintuplet: fmt.Sprintf("%s-%s-%s-%s-%s",
			platform, project, recipe.Design, recipe.TargetConfig, recipe.PlatformConfig),
		DeployQuintuplet: recipe.DeployQuintuplet,
		Frequency:        recipe.PlatformConfigArgs.Frequency,
		Strategy:         recipe.PlatformConfigArgs.Strategy,
		Commit:           commit,
		PostBuildHook:    recipe.PostBuildHook,
	}

	argsYAML, err := yaml.Marshal(bb.Args)
	if err != nil {
		return nil, fmt.Errorf("re-encoding bit builder args from %s: %w", recipe.BitBuilderRecipe, err)
	}

	switch bb.BitBuilderType {
	case "f1":
		if client == nil || s3api == nil {
			return nil, fmt.Errorf("bit builder f1 in %s requires AWS credentials, and no EC2/S3 clients could be built", recipe.BitBuilderRecipe)
		}
		var args F1Args
		if err = yaml.Unmarshal(argsYAML, &args); err != nil {
			return nil, fmt.Errorf("parsing f1 args in %s: %w", recipe.BitBuilderRecipe, err)
		}
		return NewF1BitBuilder(cfg, farm, provider, client, s3api, args, resultsDir)
	case "vitis":
		var args VitisArgs
		if err = yaml.Unmarshal(argsYAML, &args); err != nil {
			return nil, fmt.Errorf("parsing vitis args in %s: %w", recipe.BitBuilderRecipe, err)
		}
		return NewVitisBitBuilder(cfg, farm, provider, args, resultsDir)
	case "xilinx_alveo_u200":
		return NewXilinxAlveoU200BitBuilder(cfg, farm, provider, resultsDir), nil
	case "xilinx_alveo_u250":
		return NewXilinxAlveoU250BitBuilder(cfg, farm, provider, resultsDir), nil
	case "xilinx_alveo_u280":
		return NewXilinxAlveoU280BitBuilder(cfg, farm, provider, resultsDir), nil
	case "rhsresearch_nitefury_ii":
		return NewNitefuryIIBitBuilder(cfg, farm, provider, resultsDir), nil
	default:
		return nil, fmt.Errorf("unknown bit_builder_type %q in %s", bb.BitBuilderType, recipe.BitBuilderRecipe)
	}
}
