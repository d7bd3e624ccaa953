/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fake

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/awslabs/open-resource-broker-sub001/pkg/aws/sdk"
)

type IAMAPI struct {
	GetRoleBehavior MockedFunction[iam.GetRoleInput, iam.GetRoleOutput]
}

var _ sdk.IAMAPI = (*IAMAPI)(nil)

func NewIAMAPI() *IAMAPI {
	return &IAMAPI{}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (i *IAMAPI) Reset() {
	i.GetRoleBehavior.Reset()
}

func (i *IAMAPI) GetRole(ctx context.Context, input *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	return i.GetRoleBehavior.Invoke(input, func(input *iam.GetRoleInput) (*iam.GetRoleOutput, error) {
		name := aws.ToString(input.RoleName)
		return &iam.GetRoleOutput{
			Role: &iamtypes.Role{
				RoleName: aws.String(name),
				Arn:      aws.String(fmt.Sprintf("arn:aws:iam::%s:role/%s", DefaultAccountID, name)),
			},
		}, nil
	})
}
