package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Zereker/vsockmux"
)

type cidResult struct {
	ContextID uint32 `json:"context_id" yaml:"context_id"`
}

func (r cidResult) Text() string {
	return strconv.FormatUint(uint64(r.ContextID), 10)
}

func newCIDCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cid",
		Short: "Print the local vsock context id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cid, err := vsockmux.LocalContextID()
			if err != nil {
				return err
			}
			return a.print(cmd, cidResult{ContextID: cid})
		},
	}
}
