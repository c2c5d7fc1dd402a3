// Package hostfs holds the on-disk layout shared by every hook:
//
//	{dir}          parent directory, root:root 0755, never removed
//	{dir}/.{id}    counter file, root-owned
//	{dir}/{id}     runtime directory, owned by the user, 0700
//
// It also provides the small file helpers the rest of the module builds on.
package hostfs
