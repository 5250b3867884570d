// Package prompts stores the prompt text assets the processing backend reads.
//
// Layout under the configured directory:
//
//	core.txt
//	main.txt
//	subprompts/<name>.txt
//
// Subprompt names are limited to letters, digits, '-' and '_' (at most 64
// characters), so a name can never point outside the directory.
package prompts
