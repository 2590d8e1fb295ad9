package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func newRootCommand(resources *applicationResources) *cobra.Command {
	rootCommand := &cobra.Command{
		Use:           defaultApplicationName,
		Short:         "Manage the local HTTPS development certificate",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfigurationFile(cmd); err != nil {
				return err
			}
			return resources.updateLogger(
				resources.configurationManager.GetString(configKeyLoggingType),
				resources.configurationManager.GetBool(configKeyLoggingVerbose),
			)
		},
	}

	globalFlags := pflag.NewFlagSet("global", pflag.ContinueOnError)
	configureGlobalFlags(globalFlags, resources.configurationManager)
	rootCommand.PersistentFlags().AddFlagSet(globalFlags)
	rootCommand.PersistentFlags().String(flagNameConfigFile, "", "Path to configuration file")

	rootCommand.AddCommand(newHTTPSCommand())

	return rootCommand
}

func configureGlobalFlags(flagSet *pflag.FlagSet, configurationManager *viper.Viper) {
	flagSet.String(flagNameLoggingType, configurationManager.GetString(configKeyLoggingType), "Logging type (CONSOLE or JSON)")
	flagSet.Bool(flagNameVerbose, configurationManager.GetBool(configKeyLoggingVerbose), "Log external tool invocations and other debug details")
	flagSet.Bool(flagNameInteractive, configurationManager.GetBool(configKeyInteractive), "Allow operations that may prompt the user")
	_ = configurationManager.BindPFlag(configKeyLoggingType, flagSet.Lookup(flagNameLoggingType))
	_ = configurationManager.BindPFlag(configKeyLoggingVerbose, flagSet.Lookup(flagNameVerbose))
	_ = configurationManager.BindPFlag(configKeyInteractive, flagSet.Lookup(flagNameInteractive))
}

func loadConfigurationFile(cmd *cobra.Command) error {
	resources, err := getApplicationResources(cmd)
	if err != nil {
		return err
	}
	configurationManager := resources.configurationManager
	configFilePath, flagErr := cmd.Flags().GetString(flagNameConfigFile)
	if flagErr != nil {
		return fmt.Errorf("read config flag: %w", flagErr)
	}
	if configFilePath != "" {
		configurationManager.SetConfigFile(configFilePath)
	} else {
		configurationManager.AddConfigPath(resources.defaultConfigDirPath)
		configurationManager.SetConfigName(defaultConfigFileName)
		configurationManager.SetConfigType(defaultConfigFileType)
	}
	if readErr := configurationManager.ReadInConfig(); readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return fmt.Errorf("read configuration: %w", readErr)
		}
	}
	return nil
}

func getApplicationResources(cmd *cobra.Command) (*applicationResources, error) {
	resourceValue := cmd.Context().Value(contextKeyApplicationResources)
	if resourceValue == nil {
		return nil, errors.New("application resources not configured")
	}
	resources, ok := resourceValue.(*applicationResources)
	if !ok {
		return nil, errors.New("invalid application resources type")
	}
	return resources, nil
}
