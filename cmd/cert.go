package cmd

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sunbk201/ruleproxy/internal/log"
	"github.com/sunbk201/ruleproxy/internal/mitm"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the MitM CA certificate",
}

var certGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new CA certificate as PKCS#12",
	RunE:  runCertGenerate,
}

var certExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the CA certificate in PEM format for installing into clients",
	RunE:  runCertExport,
}

var (
	certPassphrase string
	certP12File    string
	certOutputFile string
	certBase64     bool
)

func init() {
	certGenerateCmd.Flags().StringVar(&certPassphrase, "passphrase", "", "Passphrase for the PKCS#12 file")
	certGenerateCmd.Flags().StringVar(&certP12File, "p12", "", "PKCS#12 output path (default: next to the logs)")
	certGenerateCmd.Flags().BoolVar(&certBase64, "base64", false, "Print the PKCS#12 as base64 instead of writing a file")
	certGenerateCmd.Flags().StringVar(&certOutputFile, "output", "", "Optional output file path for the PEM certificate")

	certExportCmd.Flags().StringVar(&certP12File, "p12", "", "PKCS#12 file, raw or base64 (default: next to the logs)")
	certExportCmd.Flags().StringVar(&certPassphrase, "passphrase", "", "Passphrase for the PKCS#12")
	certExportCmd.Flags().StringVar(&certOutputFile, "output", "", "Optional output file path for the PEM certificate")

	certCmd.AddCommand(certGenerateCmd)
	certCmd.AddCommand(certExportCmd)
	rootCmd.AddCommand(certCmd)
}

func p12Path() string {
	if certP12File != "" {
		return certP12File
	}
	return log.DataFilePath(caFileName)
}

func runCertGenerate(cmd *cobra.Command, args []string) error {
	ca, err := mitm.GenerateCA()
	if err != nil {
		return fmt.Errorf("failed to generate CA: %w", err)
	}

	if certBase64 {
		p12Data, err := ca.EncodeP12(certPassphrase)
		if err != nil {
			return fmt.Errorf("failed to encode CA as PKCS#12: %w", err)
		}
		fmt.Println(base64.StdEncoding.EncodeToString(p12Data))
	} else {
		path := p12Path()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, remove it first to replace the CA", path)
		}
		if err := ca.SaveP12(path, certPassphrase); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "PKCS#12 written to %s\n", path)
	}

	if certOutputFile != "" {
		if err := writePEM(ca, certOutputFile); err != nil {
			return err
		}
	}
	return nil
}

func runCertExport(cmd *cobra.Command, args []string) error {
	ca, err := mitm.LoadCAFile(p12Path(), certPassphrase)
	if err != nil {
		return err
	}
	if certOutputFile != "" {
		return writePEM(ca, certOutputFile)
	}
	fmt.Print(string(ca.CertPEM()))
	return nil
}

func writePEM(ca *mitm.CA, path string) error {
	if err := os.WriteFile(path, ca.CertPEM(), 0644); err != nil {
		return fmt.Errorf("failed to write PEM file: %w", err)
	}
	fmt.Fprintf(os.Stderr, "PEM certificate written to %s\n", path)
	return nil
}
