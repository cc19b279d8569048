package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	e2ee "github.com/foxbiz/better-keep-sub001"
)

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Encrypt and decrypt notes",
	Long: `Seal note content under the account master key and open it again. The
encrypted form is a JSON document safe to store anywhere.`,
}

var noteEncryptCmd = &cobra.Command{
	Use:   "encrypt [body]",
	Short: "Encrypt a note",
	Long: `Encrypt a note body (from the argument or stdin) and print the sealed JSON
document. The title is sealed separately so lists can show it without
opening the body.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNoteEncrypt,
}

var noteDecryptCmd = &cobra.Command{
	Use:   "decrypt [json]",
	Short: "Decrypt a note",
	Long:  `Open a sealed note document (from the argument, --file, or stdin).`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runNoteDecrypt,
}

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Encrypt and decrypt files",
}

var fileEncryptCmd = &cobra.Command{
	Use:   "encrypt <path>",
	Short: "Encrypt a file",
	Long: `Seal a file under the account master key. Already-sealed input is passed
through unchanged, so re-running is safe.`,
	Args: cobra.ExactArgs(1),
	RunE: runFileEncrypt,
}

var fileDecryptCmd = &cobra.Command{
	Use:   "decrypt <path>",
	Short: "Decrypt a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runFileDecrypt,
}

var (
	noteTitle  string
	noteFile   string
	noteOutput string
)

func init() {
	rootCmd.AddCommand(noteCmd)
	rootCmd.AddCommand(fileCmd)

	noteCmd.AddCommand(noteEncryptCmd)
	noteCmd.AddCommand(noteDecryptCmd)
	fileCmd.AddCommand(fileEncryptCmd)
	fileCmd.AddCommand(fileDecryptCmd)

	noteEncryptCmd.Flags().StringVarP(&noteTitle, "title", "t", "", "note title, sealed separately from the body")
	noteDecryptCmd.Flags().StringVarP(&noteFile, "file", "f", "", "read the sealed document from a file")
	noteDecryptCmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	fileEncryptCmd.Flags().StringVarP(&noteOutput, "output", "o", "", "output path (default: input path + .enc)")
	fileDecryptCmd.Flags().StringVarP(&noteOutput, "output", "o", "", "output path (default: input path without .enc)")
}

func runNoteEncrypt(cmd *cobra.Command, args []string) error {
	if err := requireUsable(cmd); err != nil {
		return err
	}

	var body string
	if len(args) == 1 {
		body = args[0]
	} else {
		data, err := readAllStdin()
		if err != nil {
			return fmt.Errorf("failed to read note body from stdin: %w", err)
		}
		body = string(data)
	}

	note, err := stack.Payload().EncryptNote(noteTitle, body)
	if err != nil {
		return fmt.Errorf("failed to encrypt note: %w", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(note)
}

func runNoteDecrypt(cmd *cobra.Command, args []string) error {
	if err := requireUsable(cmd); err != nil {
		return err
	}

	var raw []byte
	switch {
	case len(args) == 1:
		raw = []byte(args[0])
	case noteFile != "":
		data, err := os.ReadFile(noteFile)
		if err != nil {
			return fmt.Errorf("failed to read sealed document: %w", err)
		}
		raw = data
	default:
		data, err := readAllStdin()
		if err != nil {
			return fmt.Errorf("failed to read sealed document from stdin: %w", err)
		}
		raw = data
	}

	var note e2ee.EncryptedNote
	if err := json.Unmarshal(raw, &note); err != nil {
		return fmt.Errorf("input is not a sealed note document: %w", err)
	}

	decrypted, err := stack.Payload().DecryptNote(&note)
	if err != nil {
		return fmt.Errorf("failed to decrypt note: %w", err)
	}

	if jsonOutput {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(decrypted)
	}

	if decrypted.Title != "" {
		fmt.Printf("%s\n\n", color.New(color.Bold).Sprint(decrypted.Title))
	}
	fmt.Print(decrypted.Body)
	if !strings.HasSuffix(decrypted.Body, "\n") {
		fmt.Println()
	}
	return nil
}

func runFileEncrypt(cmd *cobra.Command, args []string) error {
	if err := requireUsable(cmd); err != nil {
		return err
	}

	input := args[0]
	data, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", input, err)
	}

	sealed, err := stack.Payload().EncryptBytes(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", input, err)
	}

	output := noteOutput
	if output == "" {
		output = input + ".enc"
	}
	if err := os.WriteFile(output, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	fmt.Printf("%s Encrypted %s -> %s\n", color.GreenString("✓"), input, output)
	return nil
}

func runFileDecrypt(cmd *cobra.Command, args []string) error {
	if err := requireUsable(cmd); err != nil {
		return err
	}

	input := args[0]
	envelope, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", input, err)
	}

	data, err := stack.Payload().DecryptBytes(envelope)
	if err != nil {
		return fmt.Errorf("failed to decrypt %s: %w", input, err)
	}

	output := noteOutput
	if output == "" {
		if strings.HasSuffix(input, ".enc") {
			output = strings.TrimSuffix(input, ".enc")
		} else {
			output = input + ".dec"
		}
	}
	if err := os.WriteFile(output, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	fmt.Printf("%s Decrypted %s -> %s\n", color.GreenString("✓"), input, output)
	return nil
}
