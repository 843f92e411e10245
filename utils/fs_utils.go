package utils

import (
	"fmt"
	"os"
)

// MakeDirectory creates a directory at the given path, including any parent directories which do not exist.
// Returns an error, if one occurred.
func MakeDirectory(dirToMake string) error {
	dirInfo, err := os.Stat(dirToMake)
	if err != nil {
		// Directory does not exist, as expected.
		if os.IsNotExist(err) {
			err = os.MkdirAll(dirToMake, 0777)
			if err != nil {
				return err
			}

			// Successfully made the directory
			return nil
		}
		// Some other sort of error, throw it
		return err
	}

	// dirToMake is a file, throw an error accordingly
	if !dirInfo.IsDir() {
		return fmt.Errorf("there is a file with the same name as %s\n", dirInfo)
	}

	// Directory already exists, good to go
	return nil
}

// DeleteDirectory deletes a directory at the provided path. Returns an error if one occurred.
func DeleteDirectory(directoryPath string) error {
	// Get information on the directory
	dirInfo, err := os.Stat(directoryPath)
	if err != nil {
		// If the directory does not exist, nothing needs to be done
		if os.IsNotExist(err) {
			return nil
		}
		// If any other type of error occurred, return it
		return err
	}

	// Make sure the path is a directory and not a file
	if !dirInfo.IsDir() {
		return fmt.Errorf("cannot delete directory as the provided path refers to a file")
	}

	// Delete directory and its contents
	err = os.RemoveAll(directoryPath)
	return err
}
