/*
Package recipe renders the deployable stack descriptor from source working
copies and the user-authored recipe.

The protocol has five steps:

 1. Stage: copy the configured files from repo working copies into the
    effective working directory (a repo's working copy, or a fresh scratch
    directory), preserving relative structure.
 2. Execute: run the recipe command with /bin/sh -c in that directory, under
    a deadline, with SIGTERM-then-SIGKILL cancellation. An empty command
    skips this step and the staged stack file is read directly.
 3. Read: parse the stack file (duplicate keys are an error).
 4. Rewrite: prefix services, exclude services and volumes, strip build
    sections, normalize extra_hosts, merge additional parameters.
 5. Emit: serialize canonically. The digest of these bytes is what the
    reconciler compares against the last deployed stack.

For fixed inputs the render is deterministic: two executions produce
byte-identical output.
*/
package recipe
